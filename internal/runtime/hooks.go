package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// HandlerName is the router handler, e.g. "dispatch:orders.webhook".
	HandlerName string
	// Topic is the topic or queue the message was consumed from.
	Topic       string
	MessageUUID string
	// EventID and EventType are read from the CloudEvents binding the
	// message carries. They are empty for messages that carry none.
	EventID   string
	EventType string
	Context   context.Context
	StartedAt time.Time
	// Duration is only set for OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks defines callbacks for handler lifecycle events. Nil hooks are
// skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

func (h JobHooks) configured() bool {
	return h.OnJobStart != nil || h.OnJobDone != nil || h.OnJobError != nil
}

// Merge returns hooks that call h first and other second.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every handler call.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			id, eventType := cloudEventAttributes(msg)
			job := JobContext{
				HandlerName: message.HandlerNameFromCtx(ctx),
				Topic:       message.SubscribeTopicFromCtx(ctx),
				MessageUUID: msg.UUID,
				EventID:     id,
				EventType:   eventType,
				Context:     ctx,
				StartedAt:   time.Now(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			msgs, err := h(msg)
			job.Duration = time.Since(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs handler lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"handler":      ctx.HandlerName,
			"topic":        ctx.Topic,
			"message_uuid": ctx.MessageUUID,
			"event_id":     ctx.EventID,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks calls the supplied recorders with the handler name and topic.
func MetricsHooks(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	call := func(fn func(string, string), ctx JobContext) {
		if fn != nil {
			fn(ctx.HandlerName, ctx.Topic)
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) { call(onStart, ctx) },
		OnJobDone:  func(ctx JobContext) { call(onDone, ctx) },
		OnJobError: func(ctx JobContext, _ error) { call(onError, ctx) },
	}
}

// AlertingHooks calls alertFunc for every failed handler call.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}

package runtime

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
)

// ErrorCategory groups handler failures for the introspection endpoint.
type ErrorCategory string

const (
	ErrorCategoryNone     ErrorCategory = "none"
	ErrorCategoryDecode   ErrorCategory = "decode"
	ErrorCategoryLaneFull ErrorCategory = "lane_full"
	ErrorCategoryTimeout  ErrorCategory = "timeout"
	ErrorCategoryOther    ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to a category.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, ce.ErrDecode):
		return ErrorCategoryDecode
	case errors.Is(err, errspkg.ErrLaneFull):
		return ErrorCategoryLaneFull
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	default:
		return ErrorCategoryOther
	}
}

// HandlerStats is a point-in-time view of one handler's counters.
type HandlerStats struct {
	MessagesProcessed uint64                   `json:"messages_processed"`
	MessagesFailed    uint64                   `json:"messages_failed"`
	InFlight          int64                    `json:"in_flight"`
	AverageLatencyNs  int64                    `json:"average_latency_ns"`
	LastLatencyNs     int64                    `json:"last_latency_ns"`
	LastProcessedAt   time.Time                `json:"last_processed_at,omitempty"`
	LastError         string                   `json:"last_error,omitempty"`
	LastErrorAt       time.Time                `json:"last_error_at,omitempty"`
	Errors            map[ErrorCategory]uint64 `json:"errors"`
}

// HandlerInfo describes a registered router handler.
type HandlerInfo struct {
	Name         string       `json:"name"`
	Role         string       `json:"role"`
	ConsumeQueue string       `json:"consume_queue"`
	PublishQueue string       `json:"publish_queue,omitempty"`
	Stats        HandlerStats `json:"stats"`
}

// ProcessStats reports coarse process resource usage.
type ProcessStats struct {
	Goroutines  int    `json:"goroutines"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

func processStats() ProcessStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ProcessStats{
		Goroutines:  runtime.NumGoroutine(),
		MemoryBytes: mem.Alloc,
	}
}

type handlerStats struct {
	mu         sync.Mutex
	stats      HandlerStats
	totalNs    int64
	classifier ErrorClassifier
}

func newHandlerStats(classifier ErrorClassifier) *handlerStats {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &handlerStats{
		stats:      HandlerStats{Errors: make(map[ErrorCategory]uint64)},
		classifier: classifier,
	}
}

func (h *handlerStats) start() {
	h.mu.Lock()
	h.stats.InFlight++
	h.mu.Unlock()
}

func (h *handlerStats) finish(elapsed time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.InFlight--
	h.stats.LastLatencyNs = elapsed.Nanoseconds()
	h.stats.LastProcessedAt = time.Now().UTC()
	if err != nil {
		h.stats.MessagesFailed++
		h.stats.LastError = err.Error()
		h.stats.LastErrorAt = h.stats.LastProcessedAt
		h.stats.Errors[h.classifier(err)]++
		return
	}
	h.stats.MessagesProcessed++
	h.totalNs += elapsed.Nanoseconds()
	h.stats.AverageLatencyNs = h.totalNs / int64(h.stats.MessagesProcessed)
}

func (h *handlerStats) snapshot() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.Errors = make(map[ErrorCategory]uint64, len(h.stats.Errors))
	for k, v := range h.stats.Errors {
		out.Errors[k] = v
	}
	return out
}

func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *handlerStats) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		stats.start()
		start := time.Now()
		err := handler(msg)
		stats.finish(time.Since(start), err)
		return err
	}
}

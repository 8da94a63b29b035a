package runtime

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

var errHandlerExists = errors.New("hookrelay: handler already registered")

type handlerRegistration struct {
	Name         string
	Role         string
	ConsumeQueue string
	PublishQueue string
	Subscriber   message.Subscriber
	Handler      message.NoPublishHandlerFunc
}

type registeredHandler struct {
	handler      *message.Handler
	name         string
	role         string
	consumeQueue string
	publishQueue string
	stats        *handlerStats
}

func (h *registeredHandler) info() HandlerInfo {
	return HandlerInfo{
		Name:         h.name,
		Role:         h.role,
		ConsumeQueue: h.consumeQueue,
		PublishQueue: h.publishQueue,
		Stats:        h.stats.snapshot(),
	}
}

// registerHandler attaches a consumer to the router. Handlers publish
// through their own components, so none of them returns messages.
func (s *Service) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil {
		return fmt.Errorf("register handler %q: handler func is required", cfg.Name)
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.queue.Subscriber
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	for _, h := range s.handlers {
		if h.name == cfg.Name {
			return errHandlerExists
		}
	}

	stats := newHandlerStats(s.errorClassifier)
	handler := s.router.AddNoPublisherHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		wrapHandlerWithStats(cfg.Handler, stats),
	)
	s.handlers = append(s.handlers, &registeredHandler{
		handler:      handler,
		name:         cfg.Name,
		role:         cfg.Role,
		consumeQueue: cfg.ConsumeQueue,
		publishQueue: cfg.PublishQueue,
		stats:        stats,
	})

	s.Logger.Info("Registered handler", loggingpkg.LogFields{
		"handler":       cfg.Name,
		"role":          cfg.Role,
		"consume_queue": cfg.ConsumeQueue,
	})
	return nil
}

func (s *Service) routerHandler(name string) *message.Handler {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	for _, h := range s.handlers {
		if h.name == name {
			return h.handler
		}
	}
	return nil
}

// Handlers returns a snapshot of every registered handler.
func (s *Service) Handlers() []HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]HandlerInfo, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h.info())
	}
	return out
}

package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/hookrelay/internal/runtime/domain"
	"github.com/drblury/hookrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	"github.com/drblury/hookrelay/internal/runtime/registry"
)

const maxRequestBody = 1 << 20

type subscriptionRequest struct {
	CallbackURL string               `json:"callbackUrl"`
	SubscribeOn registry.SubscribeOn `json:"subscribeOn"`
	Secret      string               `json:"secret"`
}

type subscriptionCreated struct {
	SubscriptionID string               `json:"subscriptionId"`
	CallbackURL    string               `json:"callbackUrl"`
	SubscribeOn    registry.SubscribeOn `json:"subscribeOn"`
	Secret         string               `json:"secret"`
}

// subscriptionView is the public form of a subscription. It never carries
// the secret.
type subscriptionView struct {
	SubscriptionID string               `json:"subscriptionId"`
	CallbackURL    string               `json:"callbackUrl"`
	SubscribeOn    registry.SubscribeOn `json:"subscribeOn"`
	State          registry.State       `json:"state"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

func newSubscriptionView(sub registry.Subscription) subscriptionView {
	return subscriptionView{
		SubscriptionID: sub.ID,
		CallbackURL:    sub.CallbackURL,
		SubscribeOn:    sub.SubscribeOn,
		State:          sub.State,
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIHandler returns the router serving the subscription API, or nil
// without the api role.
func (s *Service) APIHandler() http.Handler {
	if s.registry == nil {
		return nil
	}
	return s.mux(s.Conf.APIPort)
}

func (s *Service) mountAPI(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.RequestID)
		r.Use(chimiddleware.Recoverer)
		r.Use(s.metrics.HTTPMiddleware)

		r.Get("/healthz", s.handleHealth)
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/event-subscriptions", s.handleRegister)
			r.Get("/event-subscriptions/{id}", s.handleGetSubscription)
			r.Post("/event-subscriptions/{id}/suspend", s.handleTransition(s.registry.Suspend))
			r.Post("/event-subscriptions/{id}/resume", s.handleTransition(s.registry.Resume))
			r.Delete("/event-subscriptions/{id}", s.handleRevoke)
			r.Post("/trigger-event", s.handleTrigger)
			r.Get("/events", s.handleSampleEvent)
		})
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxRequestBody), &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sub, err := s.registry.Register(r.Context(), registry.Candidate{
		CallbackURL: req.CallbackURL,
		SubscribeOn: req.SubscribeOn,
		Secret:      req.Secret,
	})
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if err := s.EnsureDispatchTopic(r.Context(), sub.Topic()); err != nil {
		s.Logger.Error("Failed to start dispatch queue", err, sub.LogFields())
	}

	s.Logger.Info("Registered subscription", sub.LogFields())
	s.writeJSON(w, http.StatusCreated, subscriptionCreated{
		SubscriptionID: sub.ID,
		CallbackURL:    sub.CallbackURL,
		SubscribeOn:    sub.SubscribeOn,
		Secret:         sub.Secret,
	})
}

func (s *Service) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSubscriptionView(sub))
}

func (s *Service) handleTransition(move func(ctx context.Context, id string) (registry.Subscription, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := move(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeRegistryError(w, err)
			return
		}
		s.Logger.Info("Subscription state changed", sub.LogFields())
		s.writeJSON(w, http.StatusOK, newSubscriptionView(sub))
	}
}

func (s *Service) handleRevoke(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.Logger.Info("Revoked subscription", sub.LogFields())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	res, err := s.Trigger(r.Context())
	if err != nil {
		s.Logger.Error("Failed to trigger sample event", err, nil)
		s.writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	if failed := res.Failed(); failed > 0 {
		s.Logger.Info("Sample event partially published", loggingpkg.LogFields{"failed": failed})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSampleEvent(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(domain.SampleEquipmentEventJSON))
}

func (s *Service) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, registry.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.Logger.Error("Subscription registry failed", err, nil)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

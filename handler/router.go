package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"career-mentor/internal/usecase"
)

type routeFunc func(ctx context.Context, logger *slog.Logger, r *http.Request, body []byte) result

// Routes returns the same API as Handle on a chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/sessions", h.serve(func(ctx context.Context, logger *slog.Logger, _ *http.Request, body []byte) result {
		return h.createSession(ctx, logger, body)
	}))
	r.Get("/sessions/{sessionId}", h.serve(func(ctx context.Context, logger *slog.Logger, r *http.Request, _ []byte) result {
		return h.getSession(ctx, logger, chi.URLParam(r, "sessionId"))
	}))
	r.Delete("/sessions/{sessionId}", h.serve(func(ctx context.Context, logger *slog.Logger, r *http.Request, _ []byte) result {
		return h.deleteSession(ctx, logger, chi.URLParam(r, "sessionId"))
	}))
	r.Post("/sessions/{sessionId}/messages", h.serve(func(ctx context.Context, logger *slog.Logger, r *http.Request, body []byte) result {
		return h.sendMessage(ctx, logger, chi.URLParam(r, "sessionId"), body)
	}))

	notFound := h.serve(func(context.Context, *slog.Logger, *http.Request, []byte) result {
		return errorResult(usecase.ErrorNotFound, reasonRouteNotFound, "")
	})
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func (h *Handler) serve(route routeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
		if correlationID == "" {
			correlationID = newCorrelationID()
		}
		w.Header().Set(correlationHeader, correlationID)
		logger := h.logger.With("correlation_id", correlationID)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			logger.DebugContext(r.Context(), "failed to read request body", "err", err)
			writeResult(w, errorResult(usecase.ErrorInvalidInput, reasonInvalidBody, ""))
			return
		}
		writeResult(w, route(r.Context(), logger, r, body))
	}
}

func writeResult(w http.ResponseWriter, res result) {
	if res.body == nil {
		w.WriteHeader(res.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.status)
	_ = json.NewEncoder(w).Encode(res.body)
}

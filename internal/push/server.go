package push

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/carelane/portalchat/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// TokenHeader carries the device token a push was addressed to.
const TokenHeader = "X-Push-Token"

const maxBody = 64 << 10

// NewRouter returns the HTTP surface of the push process.
func NewRouter(h *Handler, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	s := &server{h: h, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(600, time.Minute))
		r.Post("/v1/push", s.push)
		r.Post("/v1/control", s.control)
	})

	r.Route("/v1/notifications", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/{tag}/click", s.click)
	})
	return r
}

type server struct {
	h      *Handler
	logger *zap.Logger
}

func (s *server) push(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	n, err := s.h.HandlePush(r.Context(), r.Header.Get(TokenHeader), raw)
	switch {
	case errors.Is(err, ErrUnsupported):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrInactiveToken):
		writeError(w, http.StatusGone, err)
	case err != nil:
		s.logger.Error("push failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, n)
	}
}

func (s *server) control(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if err := s.h.HandleControl(r.Context(), raw); err != nil {
		if errors.Is(err, ErrBadControl) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "1"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	items, err := s.h.List(r.Context(), all, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *server) click(w http.ResponseWriter, r *http.Request) {
	dest, err := s.h.Click(r.Context(), chi.URLParam(r, "tag"))
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"destination": dest})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

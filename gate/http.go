package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/activity"
	"github.com/round-cube/parking-gate/billing"
	"github.com/round-cube/parking-gate/occupancy"
	"github.com/round-cube/parking-gate/report"
	"github.com/round-cube/parking-gate/shared"
)

const OperatorHeader = "X-Operator-Id"

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnf("failed to write response: %s", err)
	}
}

func WriteSuccess(w http.ResponseWriter, message string, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), Response{Success: false, Error: err.Error()})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, activity.ErrExitPending):
		return http.StatusAccepted
	case errors.Is(err, ErrInvalidEvent),
		errors.Is(err, billing.ErrInvalidDuration),
		errors.Is(err, billing.ErrUnknownVehicleType),
		errors.Is(err, report.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, activity.ErrNoOpenActivity),
		errors.Is(err, activity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, activity.ErrDuplicateOpenActivity),
		errors.Is(err, activity.ErrEntryMismatch),
		errors.Is(err, activity.ErrLocked),
		errors.Is(err, ErrLotFull):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

type Handler struct {
	service *Service
}

// NewRouter serves the gate API plus /health and /metrics. gatherer may be
// nil to use the default prometheus registry.
func NewRouter(service *Service, gatherer prometheus.Gatherer) http.Handler {
	h := &Handler{service: service}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/occupancy", h.Occupancy)
		r.Get("/activities/{plate}", h.OpenActivity)
		r.Get("/quote/{plate}", h.Quote)
		r.Get("/report", h.Report)
		r.Post("/entries", h.Enter)
		r.Post("/exits", h.Exit)
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "activity-recorder"})
}

func (h *Handler) Occupancy(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Status(r.Context())
	var dup *occupancy.DuplicateOpenError
	switch {
	case errors.As(err, &dup):
		WriteJSON(w, http.StatusOK, Response{Success: true, Message: dup.Error(), Data: snap})
	case err != nil:
		WriteError(w, err)
	default:
		WriteSuccess(w, "", snap)
	}
}

func (h *Handler) OpenActivity(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.OpenActivity(r.Context(), chi.URLParam(r, "plate"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "", a)
}

func queryTime(r *http.Request, key string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	t, err := shared.ParseTs(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", ErrInvalidEvent, key)
	}
	return t, nil
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at", h.service.now())
	if err != nil {
		WriteError(w, err)
		return
	}
	q, err := h.service.Quote(r.Context(), chi.URLParam(r, "plate"), at)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "", q)
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	now := h.service.now().UTC()
	today := now.Truncate(24 * time.Hour)
	from, err := queryTime(r, "from", today)
	if err != nil {
		WriteError(w, err)
		return
	}
	to, err := queryTime(r, "to", today.Add(24*time.Hour))
	if err != nil {
		WriteError(w, err)
		return
	}
	s, err := h.service.Report(r.Context(), from, to)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "", s)
}

func withOperator(r *http.Request, op shared.Operator) shared.Operator {
	if op.ID == "" {
		op.ID = r.Header.Get(OperatorHeader)
	}
	return op
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, err)
	}
	return nil
}

func (h *Handler) Enter(w http.ResponseWriter, r *http.Request) {
	var e shared.Entrance
	if err := decode(r, &e); err != nil {
		WriteError(w, err)
		return
	}
	e.Operator = withOperator(r, e.Operator)
	a, err := h.service.Enter(r.Context(), e)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "vehicle entered", a)
}

func (h *Handler) Exit(w http.ResponseWriter, r *http.Request) {
	var e shared.Exit
	if err := decode(r, &e); err != nil {
		WriteError(w, err)
		return
	}
	e.Operator = withOperator(r, e.Operator)
	a, err := h.service.Exit(r.Context(), e)
	if errors.Is(err, activity.ErrExitPending) {
		WriteJSON(w, http.StatusAccepted, Response{Success: true, Message: err.Error()})
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "vehicle exited", a)
}

// Server wraps the router in an http.Server with the recorder's timeouts.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{httpServer: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

func (s *Server) Start() error {
	log.Infof("starting HTTP server on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

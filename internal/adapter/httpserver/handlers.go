package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/config"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
	obslog "github.com/fairyhunter13/workspace-sync/internal/observability"
)

// maxWebhookBody bounds delivery payloads; real deliveries are small and
// anything larger is noise.
const maxWebhookBody = 1 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg   config.Config
	Queue domain.Queue
	// DBAvailable gates enqueue: deliveries received during an outage are
	// rejected with 503 so the sender redelivers later.
	DBAvailable func(ctx domain.Context) bool
}

// NewServer constructs the HTTP server.
func NewServer(cfg config.Config, queue domain.Queue, dbAvailable func(ctx domain.Context) bool) *Server {
	return &Server{Cfg: cfg, Queue: queue, DBAvailable: dbAvailable}
}

// WebhookHandler accepts POST /webhook/{source}. The contract with the
// senders: 2xx acknowledges durably queued work, anything else asks for a
// redelivery. The handler therefore answers 503, not 200, when the
// database cannot take the row.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := obslog.LoggerFromContext(r.Context())
		src, err := domain.ParseSource(chi.URLParam(r, "source"))
		if err != nil {
			observability.WebhookEventsTotal.WithLabelValues("unknown", "unknown_source").Inc()
			writeError(w, r, fmt.Errorf("%w: unknown webhook source", domain.ErrNotFound), nil)
			return
		}
		if !s.Cfg.SourceEnabled(src) {
			observability.WebhookEventsTotal.WithLabelValues(string(src), "disabled").Inc()
			writeError(w, r, fmt.Errorf("%w: source not configured", domain.ErrNotFound), nil)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			observability.WebhookEventsTotal.WithLabelValues(string(src), "bad_payload").Inc()
			writeError(w, r, fmt.Errorf("%w: unreadable body", domain.ErrInvalidArgument), nil)
			return
		}

		secret := s.Cfg.Credentials(src).WebhookSecret
		if !VerifySignature(r, string(src), secret, body) {
			observability.WebhookEventsTotal.WithLabelValues(string(src), "invalid_signature").Inc()
			log.Warn("webhook signature rejected", "source", string(src))
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "INVALID_SIGNATURE", Message: "signature verification failed",
			}})
			return
		}

		event, err := ParseWebhook(src, r.Header.Get("Content-Type"), body)
		if err != nil {
			observability.WebhookEventsTotal.WithLabelValues(string(src), "bad_payload").Inc()
			writeError(w, r, err, nil)
			return
		}

		ctx := domain.ContextWithSource(r.Context(), src)
		id, err := s.Queue.Enqueue(ctx, src, event.EventType, event.ExternalID)
		if err != nil {
			observability.WebhookEventsTotal.WithLabelValues(string(src), "enqueue_failed").Inc()
			log.Error("webhook enqueue failed", "source", string(src), "error", err)
			writeError(w, r, fmt.Errorf("%w: could not queue delivery", domain.ErrUnavailable), nil)
			return
		}

		observability.WebhookEventsTotal.WithLabelValues(string(src), "accepted").Inc()
		log.Info("webhook accepted",
			"source", string(src),
			"event", event.EventType,
			"external_id", event.ExternalID,
			"queue_id", id)
		writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "queue_id": id})
	}
}

// healthResponse is the /health body. The service reports degraded, not
// down, while the database is unreachable: webhook receipt keeps answering
// for senders that probe, and the queue drains once the database returns.
type healthResponse struct {
	Status            string                       `json:"status"`
	DatabaseAvailable bool                         `json:"database_available"`
	Timestamp         string                       `json:"timestamp"`
	QueuePending      int64                        `json:"queue_pending"`
	QueueDetails      map[string]domain.QueueStats `json:"queue_details,omitempty"`
}

// HealthHandler reports service and queue health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		resp.DatabaseAvailable = s.DBAvailable(r.Context())
		if !resp.DatabaseAvailable {
			resp.Status = "degraded"
			writeJSON(w, http.StatusOK, resp)
			return
		}

		health, err := s.Queue.Health(r.Context())
		if err != nil {
			resp.Status = "degraded"
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.QueuePending = health.Pending()
		resp.QueueDetails = make(map[string]domain.QueueStats, len(health))
		for src, stats := range health {
			resp.QueueDetails[string(src)] = stats
			observability.ObserveQueueDepth(string(src), stats.Pending, stats.Processing, stats.Failed, stats.DeadLetter)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// LivenessHandler answers /healthz for orchestrator probes.
func (s *Server) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

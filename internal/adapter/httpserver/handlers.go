package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/contentaccess"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/config"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
	"github.com/fairyhunter13/ai-video-studio/internal/usecase"
)

// userHeader carries the authenticated subject, set by the gateway in front
// of this service. Authentication itself is out of scope here.
const userHeader = "X-User-Id"

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Orch   *usecase.Orchestrator
	Assets *storage.AssetStore
	Signer *contentaccess.Signer

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, orch *usecase.Orchestrator, assets *storage.AssetStore,
	signer *contentaccess.Signer, dbCheck, redisCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Orch: orch, Assets: assets, Signer: signer,
		DBCheck: dbCheck, RedisCheck: redisCheck, BrokerCheck: brokerCheck,
	}
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
			Code: "INVALID_REQUEST", Message: "not acceptable", Details: map[string]any{"accept": a},
		}})
		return false
	}
	return true
}

func requesterID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

// SubmitHandler accepts a generation request, reserves credits, and enqueues
// the job. Identical retried requests replay the original response.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req domain.GenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidRequest), nil)
			return
		}
		out, err := s.Orch.Submit(r.Context(), requesterID(r), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": out.JobID, "state": "queued"})
	}
}

// StatusHandler reports the user-visible job state.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidRequest), nil)
			return
		}
		st, err := s.Orch.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// CancelHandler flags a job for cooperative cancellation.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidRequest), nil)
			return
		}
		if err := s.Orch.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "state": "cancelling"})
	}
}

// ResultHandler issues the content token and signed URL for a finished job.
func (s *Server) ResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidRequest), nil)
			return
		}
		res, err := s.Orch.Result(r.Context(), id, requesterID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// PaymentHandler applies a payment provider webhook event. Replayed events
// are acknowledged without double-crediting.
func (s *Server) PaymentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			EventID string `json:"eventId"`
			UserID  string `json:"userId"`
			Credits int64  `json:"credits"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidRequest), nil)
			return
		}
		if err := s.Orch.ApplyPayment(r.Context(), req.EventID, req.UserID, req.Credits); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"eventId": req.EventID, "applied": true})
	}
}

// BalanceHandler reports the caller's credit balance.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := requesterID(r)
		if userID == "" {
			writeError(w, r, fmt.Errorf("%w: user id required", domain.ErrInvalidRequest), nil)
			return
		}
		b, err := s.Orch.Ledger.Balance(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// ContentHandler serves token-gated asset access: a valid token for the path
// asset redirects to a freshly signed object URL.
func (s *Server) ContentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assetID := chi.URLParam(r, "assetID")
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if assetID == "" || token == "" {
			writeError(w, r, fmt.Errorf("%w: asset id and token required", domain.ErrInvalidRequest), nil)
			return
		}
		claims, err := s.Signer.Verify(token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// A token only opens the asset it was issued for.
		if claims.AssetID != assetID {
			writeError(w, r, fmt.Errorf("%w: token subject mismatch", domain.ErrSignatureInvalid), nil)
			return
		}
		asset, err := s.Assets.Get(r.Context(), assetID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		url, _, err := s.Assets.SignedURL(r.Context(), asset, s.Cfg.AssetSignedURLTTL)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: delivery url unavailable", domain.ErrAssetUnavailable), nil)
			return
		}
		w.Header().Set("Cache-Control", "private, no-store")
		http.Redirect(w, r, url, http.StatusFound)
	}
}

// ReadyzHandler probes the backing stores and reports per-check results.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	run := func(ctx context.Context, name string, fn func(context.Context) error, out *[]check) {
		if fn == nil {
			return
		}
		if err := fn(ctx); err != nil {
			*out = append(*out, check{Name: name, OK: false, Details: err.Error()})
			return
		}
		*out = append(*out, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		run(ctx, "db", s.DBCheck, &checks)
		run(ctx, "redis", s.RedisCheck, &checks)
		run(ctx, "broker", s.BrokerCheck, &checks)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/contentaccess"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/idempotency"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/config"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
	"github.com/fairyhunter13/ai-video-studio/internal/usecase"
)

type testServer struct {
	srv    *Server
	router chi.Router
	jobs   *memory.JobStore
	ledger *memory.Ledger
	assets *storage.AssetStore
	signer *contentaccess.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.WallClock
	jobs := memory.NewJobStore(clk, domain.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond})
	ledger := memory.NewLedger(clk)
	assets := storage.NewAssetStore(memory.NewObjectStore(), memory.NewAssetRepo(), clk, "media", "private", 0)
	signer, err := contentaccess.NewSigner([]byte("test-secret-0123456789abcdef0123"), clk)
	require.NoError(t, err)

	orch := usecase.NewOrchestrator(jobs, ledger,
		idempotency.NewRedisStore(client, 10*time.Second, 24*time.Hour),
		nil, assets, signer, 3, 10*time.Minute, 15*time.Minute)

	cfg := config.Config{AssetSignedURLTTL: 15 * time.Minute}
	srv := NewServer(cfg, orch, assets, signer, nil, nil, nil)

	r := chi.NewRouter()
	r.Post("/v1/generations", srv.SubmitHandler())
	r.Get("/v1/jobs/{id}", srv.StatusHandler())
	r.Post("/v1/jobs/{id}/cancel", srv.CancelHandler())
	r.Get("/v1/jobs/{id}/result", srv.ResultHandler())
	r.Post("/v1/payments", srv.PaymentHandler())
	r.Get("/v1/balance", srv.BalanceHandler())
	r.Get("/v1/content/{assetID}", srv.ContentHandler())
	r.Get("/readyz", srv.ReadyzHandler())

	return &testServer{srv: srv, router: r, jobs: jobs, ledger: ledger, assets: assets, signer: signer}
}

func (ts *testServer) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func submitBody() map[string]any {
	return map[string]any{
		"providerKey": "fastdraft",
		"modelKey":    "draft-1",
		"prompt":      "a red fox at dawn",
		"kind":        "video",
		"cost":        30,
	}
}

func TestSubmitEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.ledger.ApplyPayment(context.Background(), "ev1", "u1", 100))

	rec := ts.do(http.MethodPost, "/v1/generations", "u1", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["jobId"])
	require.Equal(t, "queued", out["state"])
}

func TestSubmitRejectsBadJSON(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewBufferString("{nope"))
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_REQUEST")
}

func TestSubmitInsufficientFundsMapsTo402(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/generations", "u1", submitBody())
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Contains(t, rec.Body.String(), "INSUFFICIENT_FUNDS")
}

func TestStatusAndCancelEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.ledger.ApplyPayment(ctx, "ev1", "u1", 100))
	rec := ts.do(http.MethodPost, "/v1/generations", "u1", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	jobID := out["jobId"]

	rec = ts.do(http.MethodGet, "/v1/jobs/"+jobID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"queued"`)

	rec = ts.do(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	j, err := ts.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.True(t, j.CancelRequested)

	rec = ts.do(http.MethodGet, "/v1/jobs/does-not-exist", "u1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultEndpointConflictBeforeFinish(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.ledger.ApplyPayment(ctx, "ev1", "u1", 100))
	rec := ts.do(http.MethodPost, "/v1/generations", "u1", submitBody())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	rec = ts.do(http.MethodGet, "/v1/jobs/"+out["jobId"]+"/result", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPaymentWebhookIdempotent(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"eventId": "ev-99", "userId": "u1", "credits": 50}

	rec := ts.do(http.MethodPost, "/v1/payments", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodPost, "/v1/payments", "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/balance", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b domain.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	require.EqualValues(t, 50, b.Available, "replayed event credits once")
}

func TestPaymentWebhookValidation(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/payments", "", map[string]any{"eventId": "", "userId": "u1", "credits": 5})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(http.MethodPost, "/v1/payments", "", map[string]any{"eventId": "ev1", "userId": "u1", "credits": -5})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContentEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	asset, err := ts.assets.Store(ctx, "u1", domain.AssetKindVideo, []byte("media-bytes"), "video/mp4")
	require.NoError(t, err)
	token, _, err := ts.signer.Issue(asset.ID, "u1", 10*time.Minute)
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, fmt.Sprintf("/v1/content/%s?token=%s", asset.ID, token), "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Location"))

	// Token for another asset does not open this one.
	other, _, err := ts.signer.Issue("other-asset", "u1", 10*time.Minute)
	require.NoError(t, err)
	rec = ts.do(http.MethodGet, fmt.Sprintf("/v1/content/%s?token=%s", asset.ID, other), "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Tampered token is rejected.
	rec = ts.do(http.MethodGet, fmt.Sprintf("/v1/content/%s?token=%s", asset.ID, token+"x"), "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Missing token is a bad request.
	rec = ts.do(http.MethodGet, "/v1/content/"+asset.ID, "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyzAggregatesChecks(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.DBCheck = func(context.Context) error { return nil }
	ts.srv.RedisCheck = func(context.Context) error { return nil }
	rec := ts.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts.srv.DBCheck = func(context.Context) error { return fmt.Errorf("connection refused") }
	rec = ts.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

// Package worker runs the lease loop: bounded slots pull jobs from the
// store, drive the provider to completion, and settle exactly once from this
// process's perspective. Lease ownership makes settlement at-most-once
// globally.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/provider"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// Config carries the pool's tuning knobs.
type Config struct {
	WorkerID              string
	MaxConcurrent         int64
	ProviderMaxConcurrent int64
	LeaseDuration         time.Duration
	HeartbeatInterval     time.Duration
	// PollInterval is the idle sleep between empty lease attempts; the wake
	// channel short-circuits it.
	PollInterval time.Duration
	// ProviderPollInterval paces provider-side status polls.
	ProviderPollInterval time.Duration
	DrainTimeout         time.Duration
}

// Pool is a fixed-size slot pool over one JobStore.
type Pool struct {
	Cfg       Config
	Jobs      domain.JobStore
	Ledger    domain.CreditLedger
	Assets    *storage.AssetStore
	Providers *provider.Registry
	Circuit   domain.CircuitGate
	Clock     clock.Clock
	// Wake receives advisory nudges from the job-signal consumer; nil is fine.
	Wake <-chan struct{}

	slots    *semaphore.Weighted
	provSems map[string]*semaphore.Weighted
	wg       sync.WaitGroup
}

// New constructs a Pool. Provider semaphores are created for every key
// registered at construction time.
func New(cfg Config, jobs domain.JobStore, ledger domain.CreditLedger, assets *storage.AssetStore,
	providers *provider.Registry, circuit domain.CircuitGate, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.WallClock
	}
	p := &Pool{
		Cfg:       cfg,
		Jobs:      jobs,
		Ledger:    ledger,
		Assets:    assets,
		Providers: providers,
		Circuit:   circuit,
		Clock:     clk,
		slots:     semaphore.NewWeighted(cfg.MaxConcurrent),
		provSems:  make(map[string]*semaphore.Weighted),
	}
	for _, key := range providers.Keys() {
		p.provSems[key] = semaphore.NewWeighted(cfg.ProviderMaxConcurrent)
	}
	return p
}

// Run leases and executes jobs until ctx is cancelled, then drains: no new
// leases, in-flight slots get up to DrainTimeout to finalize, stragglers are
// cancelled without settling so the sweeper reclaims their leases.
func (p *Pool) Run(ctx context.Context) error {
	slotCtx, cancelSlots := context.WithCancel(context.Background())
	defer cancelSlots()

	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			break
		}
		job, release := p.leaseOne(ctx)
		if job == nil {
			p.slots.Release(1)
			if !p.idle(ctx) {
				break
			}
			continue
		}
		p.wg.Add(1)
		go func(j domain.Job, releaseProv func()) {
			defer p.wg.Done()
			defer p.slots.Release(1)
			defer releaseProv()
			p.runSlot(slotCtx, j)
		}(*job, release)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-p.Clock.After(p.Cfg.DrainTimeout):
		slog.Warn("drain timeout reached, abandoning in-flight slots",
			slog.String("worker_id", p.Cfg.WorkerID))
		cancelSlots()
		<-done
	}
	return nil
}

// leaseOne builds the provider filter from circuit state and semaphore
// capacity, then claims one job. The returned release function gives back
// the provider tokens the leased job does not use.
func (p *Pool) leaseOne(ctx context.Context) (*domain.Job, func()) {
	allowed := p.Circuit.Allowed(p.Providers.Keys())
	var held []string
	for _, key := range allowed {
		if sem, ok := p.provSems[key]; ok && sem.TryAcquire(1) {
			held = append(held, key)
		}
	}
	if len(held) == 0 {
		return nil, func() {}
	}
	releaseAll := func(except string) {
		for _, key := range held {
			if key != except {
				p.provSems[key].Release(1)
			}
		}
	}

	job, err := p.Jobs.LeaseNext(ctx, p.Cfg.WorkerID, p.Cfg.LeaseDuration, held)
	if err != nil || job == nil {
		releaseAll("")
		if err != nil && ctx.Err() == nil {
			slog.Error("lease attempt failed", slog.Any("error", err))
		}
		return nil, func() {}
	}
	releaseAll(job.ProviderKey)
	return job, func() { p.provSems[job.ProviderKey].Release(1) }
}

// idle waits for a wake signal or the poll interval; false means shut down.
func (p *Pool) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.Wake:
		return true
	case <-p.Clock.After(p.Cfg.PollInterval):
		return true
	}
}

// slotState tracks lease loss and cancellation flags shared between the
// heartbeat goroutine and the main slot flow.
type slotState struct {
	mu        sync.Mutex
	leaseLost bool
	cancelled bool
}

func (s *slotState) setLeaseLost() { s.mu.Lock(); s.leaseLost = true; s.mu.Unlock() }
func (s *slotState) setCancelled() { s.mu.Lock(); s.cancelled = true; s.mu.Unlock() }
func (s *slotState) LeaseLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseLost
}
func (s *slotState) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (p *Pool) runSlot(ctx context.Context, job domain.Job) {
	observability.JobsInFlight.WithLabelValues(job.ProviderKey).Inc()
	defer observability.JobsInFlight.WithLabelValues(job.ProviderKey).Dec()
	log := slog.With(slog.String("job_id", job.ID), slog.String("provider", job.ProviderKey),
		slog.String("worker_id", p.Cfg.WorkerID))

	// Jobs cancelled while queued settle here, before any provider work.
	if job.CancelRequested {
		p.settleTerminal(ctx, job, "cancelled by user")
		return
	}

	// Half-open circuits admit one trial; losing that race is a transient
	// failure so the job requeues with backoff.
	if !p.Circuit.Gate(job.ProviderKey) {
		p.failRetryable(ctx, job, "provider circuit denied the slot")
		return
	}

	adapter, err := p.Providers.Get(job.ProviderKey)
	if err != nil {
		p.settleTerminal(ctx, job, "no adapter for provider "+job.ProviderKey)
		return
	}

	slotCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	state := &slotState{}

	hbDone := make(chan struct{})
	go p.heartbeatLoop(slotCtx, job.ID, state, cancel, hbDone)
	defer func() { cancel(); <-hbDone }()

	var input domain.GenerationInput
	if err := json.Unmarshal([]byte(job.InputRef), &input); err != nil {
		p.settleTerminal(ctx, job, fmt.Sprintf("malformed job input: %v", err))
		return
	}
	input.JobID = job.ID

	start := p.Clock.Now()
	providerJobID, err := adapter.Start(slotCtx, input)
	observability.ProviderRequestDuration.WithLabelValues(job.ProviderKey, "start").
		Observe(p.Clock.Now().Sub(start).Seconds())
	if err != nil {
		p.settleProviderError(ctx, job, state, err)
		return
	}
	if err := p.Jobs.MarkRunning(slotCtx, job.ID, p.Cfg.WorkerID, providerJobID, p.Cfg.LeaseDuration); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			p.abandon(slotCtx, adapter, providerJobID, log)
			return
		}
		log.Error("mark running failed", slog.Any("error", err))
		p.failRetryable(ctx, job, "store error before running: "+err.Error())
		return
	}

	res, err := p.pollUntilSettled(slotCtx, adapter, providerJobID)
	if state.LeaseLost() {
		p.abandon(slotCtx, adapter, providerJobID, log)
		return
	}
	if state.Cancelled() {
		if cerr := adapter.Cancel(context.WithoutCancel(slotCtx), providerJobID); cerr != nil {
			log.Warn("provider cancel failed", slog.Any("error", cerr))
		}
		p.settleTerminal(ctx, job, "cancelled by user")
		return
	}
	if err != nil {
		p.settleProviderError(ctx, job, state, err)
		return
	}

	switch res.State {
	case domain.PollDone:
		p.Circuit.Record(job.ProviderKey, true)
		p.settleSuccess(ctx, adapter, job, input.Kind, res, log)
	case domain.PollFailed:
		if res.Retryable {
			p.Circuit.Record(job.ProviderKey, false)
			p.failRetryable(ctx, job, res.Cause)
		} else {
			// Policy rejections mean the provider is healthy; they still
			// count as circuit successes.
			p.Circuit.Record(job.ProviderKey, true)
			p.settleTerminal(ctx, job, res.Cause)
		}
	}
}

// heartbeatLoop extends the lease and watches the cancellation flag. On lease
// loss it cancels the slot so provider calls unwind.
func (p *Pool) heartbeatLoop(ctx context.Context, jobID string, state *slotState, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Clock.After(p.Cfg.HeartbeatInterval):
		}
		if err := p.Jobs.Heartbeat(ctx, jobID, p.Cfg.WorkerID, p.Cfg.LeaseDuration); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				observability.LeaseLostTotal.Inc()
				state.setLeaseLost()
				cancel()
				return
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		j, err := p.Jobs.Get(ctx, jobID)
		if err == nil && j.CancelRequested {
			state.setCancelled()
			cancel()
			return
		}
	}
}

// pollUntilSettled drives the provider to a final poll state. A nil error
// with a zero result means the slot context was cancelled.
func (p *Pool) pollUntilSettled(ctx context.Context, adapter domain.ProviderAdapter, providerJobID string) (domain.PollResult, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.PollResult{}, nil
		case <-p.Clock.After(p.Cfg.ProviderPollInterval):
		}
		res, err := adapter.Poll(ctx, providerJobID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.PollResult{}, nil
			}
			return domain.PollResult{}, err
		}
		if res.State != domain.PollPending {
			return res, nil
		}
	}
}

// settleSuccess persists the asset, commits the reservation, then finalizes
// the job. Asset before commit so a crash leaves recoverable media; commit
// before succeed so a crash leaves an idempotently re-committable reservation.
func (p *Pool) settleSuccess(ctx context.Context, adapter domain.ProviderAdapter, job domain.Job,
	kind string, res domain.PollResult, log *slog.Logger) {
	body, contentType, err := adapter.FetchOutput(ctx, res.OutputRef)
	if err != nil {
		p.settleProviderError(ctx, job, nil, err)
		return
	}
	asset, err := p.Assets.Store(ctx, job.UserID, kind, body, contentType)
	if err != nil {
		log.Error("asset store failed", slog.Any("error", err))
		p.failRetryable(ctx, job, "asset store: "+err.Error())
		return
	}
	if err := p.Ledger.Commit(ctx, job.ReservationID); err != nil {
		// A conflict means the reservation settled elsewhere (refunded by a
		// sweeper or an operator), so no credits back this output. Retrying
		// would burn provider spend against the same settled reservation, so
		// finalize terminally without touching the ledger again.
		if errors.Is(err, domain.ErrConflict) {
			log.Error("reservation no longer held, finalizing job", slog.Any("error", err))
			if _, ferr := p.Jobs.Fail(ctx, job.ID, p.Cfg.WorkerID, "ledger commit: "+err.Error(), false); ferr != nil {
				if errors.Is(ferr, domain.ErrLeaseLost) {
					observability.LeaseLostTotal.Inc()
					return
				}
				log.Error("terminal fail transition failed", slog.Any("error", ferr))
				return
			}
			observability.JobsSettledTotal.WithLabelValues(job.ProviderKey, "failed").Inc()
			return
		}
		log.Error("reservation commit failed", slog.Any("error", err))
		p.failRetryable(ctx, job, "ledger commit: "+err.Error())
		return
	}
	if err := p.Jobs.Succeed(ctx, job.ID, p.Cfg.WorkerID, asset.ID); err != nil {
		// The commit already happened and is idempotent; a stolen lease means
		// the other holder settles the job record.
		if errors.Is(err, domain.ErrLeaseLost) {
			observability.LeaseLostTotal.Inc()
			log.Warn("lease lost at finalize, not settling job record")
			return
		}
		log.Error("job finalize failed", slog.Any("error", err))
		return
	}
	observability.JobsSettledTotal.WithLabelValues(job.ProviderKey, "succeeded").Inc()
	log.Info("job succeeded", slog.String("asset_id", asset.ID))
}

// settleProviderError routes a provider error by its taxonomy.
func (p *Pool) settleProviderError(ctx context.Context, job domain.Job, state *slotState, err error) {
	if state != nil && state.LeaseLost() {
		return
	}
	if domain.IsTerminal(err) {
		p.Circuit.Record(job.ProviderKey, true)
		p.settleTerminal(ctx, job, err.Error())
		return
	}
	p.Circuit.Record(job.ProviderKey, false)
	p.failRetryable(ctx, job, err.Error())
}

// failRetryable settles a transient failure: the reservation stays held
// across retries.
func (p *Pool) failRetryable(ctx context.Context, job domain.Job, cause string) {
	finalState, err := p.Jobs.Fail(ctx, job.ID, p.Cfg.WorkerID, cause, true)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			observability.LeaseLostTotal.Inc()
			return
		}
		slog.Error("retryable fail transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if finalState == domain.JobDead {
		// Attempts exhausted on a retryable error: the held credits go back.
		p.refund(ctx, job, "attempts exhausted: "+cause)
		observability.JobsSettledTotal.WithLabelValues(job.ProviderKey, "dead").Inc()
		return
	}
	observability.JobsSettledTotal.WithLabelValues(job.ProviderKey, "requeued").Inc()
}

// settleTerminal refunds then finalizes. Refund precedes the fail transition
// so a crash in between leaves a held reservation the refund sweeper fixes.
func (p *Pool) settleTerminal(ctx context.Context, job domain.Job, cause string) {
	p.refund(ctx, job, cause)
	if _, err := p.Jobs.Fail(ctx, job.ID, p.Cfg.WorkerID, cause, false); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			observability.LeaseLostTotal.Inc()
			return
		}
		slog.Error("terminal fail transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsSettledTotal.WithLabelValues(job.ProviderKey, "failed").Inc()
}

func (p *Pool) refund(ctx context.Context, job domain.Job, reason string) {
	if job.ReservationID == "" {
		return
	}
	if err := p.Ledger.Refund(ctx, job.ReservationID, reason); err != nil {
		slog.Warn("refund failed, queueing for the sweeper",
			slog.String("reservation_id", job.ReservationID), slog.Any("error", err))
		if qErr := p.Ledger.EnqueueRefundFailure(ctx, job.ReservationID, reason); qErr != nil {
			slog.Error("refund failure enqueue failed",
				slog.String("reservation_id", job.ReservationID), slog.Any("error", qErr))
		}
	}
}

// abandon is the lease-lost path: best-effort provider cancel, no settlement.
func (p *Pool) abandon(ctx context.Context, adapter domain.ProviderAdapter, providerJobID string, log *slog.Logger) {
	if providerJobID != "" {
		if err := adapter.Cancel(context.WithoutCancel(ctx), providerJobID); err != nil {
			log.Warn("provider cancel on abandon failed", slog.Any("error", err))
		}
	}
	log.Warn("lease lost, abandoning without settlement")
}

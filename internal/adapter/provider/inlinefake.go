package provider

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// InlineFake is a scriptable in-process adapter for tests and dev mode.
// Script queues poll outcomes consumed one per Poll call across all jobs;
// once the queue drains, Default applies (done with a tiny output payload
// unless overridden).
type InlineFake struct {
	mu    sync.Mutex
	seq   int
	jobs  map[string]bool
	queue []domain.PollResult

	// Default is returned by Poll when the script queue is empty. A zero
	// State means done.
	Default   domain.PollResult
	StartErr  error
	Output    []byte
	OutputCT  string
	Cancelled []string
}

// NewInlineFake constructs an InlineFake that completes every poll.
func NewInlineFake() *InlineFake {
	return &InlineFake{
		jobs:     make(map[string]bool),
		Output:   []byte("\x00\x00\x00\x18ftypmp42fake-video-bytes"),
		OutputCT: "video/mp4",
	}
}

// Script queues poll outcomes, replacing whatever was queued before.
func (f *InlineFake) Script(results ...domain.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = results
}

func (f *InlineFake) Start(_ domain.Context, _ domain.GenerationInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.jobs[id] = true
	return id, nil
}

func (f *InlineFake) Poll(_ domain.Context, providerJobID string) (domain.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.jobs[providerJobID] {
		return domain.PollResult{}, fmt.Errorf("op=provider.poll: %w: %s", domain.ErrNotFound, providerJobID)
	}
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		return next, nil
	}
	if f.Default.State != "" {
		return f.Default, nil
	}
	return domain.PollResult{State: domain.PollDone, OutputRef: "inline://output", Progress: 1}, nil
}

func (f *InlineFake) Cancel(_ domain.Context, providerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, providerJobID)
	return nil
}

func (f *InlineFake) FetchOutput(_ domain.Context, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Output, f.OutputCT, nil
}

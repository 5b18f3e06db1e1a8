package watcher

import (
	"context"
	"sync"
)

// Supervisor runs one watcher per beneficiary.
type Supervisor struct {
	watchers []*Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSupervisor groups the watchers.
func NewSupervisor(watchers ...*Watcher) *Supervisor {
	return &Supervisor{watchers: watchers}
}

// Start launches every watcher. The watchers keep ctx's values but not its
// cancellation, so a split in flight is not cut short when ctx ends; stop
// them with Shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	for _, w := range s.watchers {
		w.Start(runCtx)
	}
}

// Stop asks every watcher to exit after its current batch.
func (s *Supervisor) Stop() {
	for _, w := range s.watchers {
		w.Stop()
	}
}

// Wait blocks until every watcher has exited.
func (s *Supervisor) Wait() {
	for _, w := range s.watchers {
		w.Wait()
	}
}

// Shutdown stops every watcher and waits for the batches in progress. If ctx
// ends first the in-flight calls are cancelled, the watchers are awaited and
// ctx's error is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		return nil
	case <-ctx.Done():
		s.abort()
		<-done
		return ctx.Err()
	}
}

func (s *Supervisor) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// States returns the phase of each watcher keyed by beneficiary id.
func (s *Supervisor) States() map[string]State {
	out := make(map[string]State, len(s.watchers))
	for _, w := range s.watchers {
		out[w.BeneficiaryID()] = w.State()
	}
	return out
}

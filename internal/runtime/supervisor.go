package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs every worker runtime under one errgroup. A worker's fatal
// exit never takes the rest down: the error is logged and the restart queue
// decides what happens next. Only context cancellation ends the group.
type Supervisor struct {
	log zerolog.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
	running  map[string]bool
	group    *errgroup.Group
	ctx      context.Context
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{
		log:      log.With().Str("component", "supervisor").Logger(),
		runtimes: make(map[string]*Runtime),
		running:  make(map[string]bool),
	}
}

// Add registers a runtime. Must be called before Run.
func (s *Supervisor) Add(rt *Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[rt.Name()] = rt
}

// Run launches every registered runtime and blocks until ctx is cancelled
// and all workers have drained.
func (s *Supervisor) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = group
	s.ctx = groupCtx
	names := make([]string, 0, len(s.runtimes))
	for name := range s.runtimes {
		names = append(names, name)
	}
	s.mu.Unlock()

	// Sentinel keeps the group alive for dynamic restarts until shutdown.
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	for _, name := range names {
		if err := s.launch(name); err != nil {
			return err
		}
	}
	s.log.Info().Int("workers", len(names)).Msg("supervisor running")
	return group.Wait()
}

// Restart relaunches a previously added worker that has exited. Running
// workers are left alone (restart-by-name is idempotent while alive).
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	if s.group == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not running")
	}
	if s.running[name] {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.runtimes[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown module %q", name)
	}
	s.mu.Unlock()
	return s.launch(name)
}

// IsRunning reports whether the named worker's loop is currently live.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

// Stats snapshots every runtime's load counters for the health monitor.
func (s *Supervisor) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, rt.Stats())
	}
	return out
}

// Names lists the registered workers.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runtimes))
	for name := range s.runtimes {
		out = append(out, name)
	}
	return out
}

func (s *Supervisor) launch(name string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown module %q", name)
	}
	if s.running[name] {
		s.mu.Unlock()
		return nil
	}
	s.running[name] = true
	group, ctx := s.group, s.ctx
	s.mu.Unlock()

	group.Go(func() error {
		defer func() {
			s.mu.Lock()
			s.running[name] = false
			s.mu.Unlock()
		}()
		if err := rt.Run(ctx); err != nil {
			// Drop one, keep the rest. The restart queue owns recovery.
			s.log.Error().Err(err).Str("module", name).Msg("worker exited with error")
		}
		return nil
	})
	return nil
}

// Package supervisor runs one session handler per bot identity.
//
// Purpose: Fan out sessions, retry failed attempts, and report how each
// identity ended.
// Key aspects: Identities never share state. A failing identity is reported
// but never cancels its siblings; only Stop or the caller's context does.
// Upstream: the run command.
// Downstream: session.Handler.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"mudbot/registry"
	"mudbot/session"
)

// ErrDuplicateIdentity is reported when Run receives the same name twice.
var ErrDuplicateIdentity = errors.New("supervisor: duplicate identity")

// RetryPolicy bounds reconnects per identity.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failed attempts allowed before
	// giving up; an attempt that reached the active state clears the count.
	// Zero means a single attempt and a negative value retries forever.
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func (p RetryPolicy) exhausted(failures int) bool {
	if p.MaxAttempts < 0 {
		return false
	}
	limit := p.MaxAttempts
	if limit == 0 {
		limit = 1
	}
	return failures >= limit
}

// Factory builds the handler for one identity. obs must be passed to the
// handler so the supervisor can follow its state.
type Factory func(id registry.Identity, obs session.Observer) *session.Handler

// Config holds the optional hooks of a Supervisor.
type Config struct {
	Retry RetryPolicy
	// Observer receives every handler's events.
	Observer session.Observer
	// OnRetry is called before each reconnect of bot.
	OnRetry func(bot string)
	// OnExit is called once when an identity stops for good.
	OnExit func(Result)
	// Status, when set, is logged every StatusInterval.
	Status         func() string
	StatusInterval time.Duration
}

// Result is how one identity ended.
type Result struct {
	Bot      string
	Err      error // terminal failure, nil when the session ended cleanly or was canceled
	Attempts int
	Canceled bool
}

// Report lists one Result per identity, in the order given to Run.
type Report struct {
	Results  []Result
	Canceled bool // shutdown was requested
}

// Failed returns the identities that ended with a terminal failure.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// AllFailed reports whether every identity failed.
func (r Report) AllFailed() bool {
	return len(r.Results) > 0 && len(r.Failed()) == len(r.Results)
}

// ExitCode maps the report to a process exit status: 130 after a requested
// shutdown, 1 when every identity failed, otherwise 0.
func (r Report) ExitCode() int {
	switch {
	case r.Canceled:
		return 130
	case r.AllFailed():
		return 1
	}
	return 0
}

// Supervisor owns the handlers of one Run.
type Supervisor struct {
	factory Factory
	cfg     Config

	handlers sync.Map // name -> *session.Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// New returns a Supervisor building handlers with factory.
func New(factory Factory, cfg Config) *Supervisor {
	return &Supervisor{factory: factory, cfg: cfg}
}

// Purpose: Run every identity until it ends, then report.
// Key aspects: Blocks until all sessions terminated. Canceling ctx or calling
// Stop closes every session in an orderly way.
// Upstream: the run command.
// Downstream: runIdentity per identity, status loop.
func (s *Supervisor) Run(ctx context.Context, ids []registry.Identity) Report {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	defer close(done)

	results := make([]Result, len(ids))
	seen := make(map[string]bool, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		if seen[id.Name] {
			results[i] = Result{Bot: id.Name, Err: ErrDuplicateIdentity}
			continue
		}
		seen[id.Name] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.runIdentity(ctx, id)
			if s.cfg.OnExit != nil {
				s.cfg.OnExit(results[i])
			}
		}()
	}

	statusDone := make(chan struct{})
	go s.statusLoop(ctx, statusDone)

	wg.Wait()
	canceled := ctx.Err() != nil || s.stopped.Load()
	cancel()
	<-statusDone
	return Report{Results: results, Canceled: canceled}
}

// Stop cancels all sessions and waits for Run to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.stopped.Store(true)
	cancel()
	<-done
}

// Handler returns the live handler for name, or nil.
func (s *Supervisor) Handler(name string) *session.Handler {
	if v, ok := s.handlers.Load(name); ok {
		return v.(*session.Handler)
	}
	return nil
}

func (s *Supervisor) runIdentity(ctx context.Context, id registry.Identity) Result {
	obs := &identityObserver{next: s.cfg.Observer}
	h := s.factory(id, obs)
	s.handlers.Store(id.Name, h)
	defer s.handlers.Delete(id.Name)

	b := newBackoff(s.cfg.Retry.Base, s.cfg.Retry.Max)
	res := Result{Bot: id.Name}
	failures := 0
	for {
		obs.active.Store(false)
		res.Attempts++
		err := h.Run(ctx)
		if ctx.Err() != nil {
			res.Canceled = true
			return res
		}
		if err == nil {
			log.Printf("%s: session ended", id.Name)
			return res
		}
		if obs.active.Load() {
			b.Reset()
			failures = 0
		}
		failures++
		if !session.Retryable(err) || s.cfg.Retry.exhausted(failures) {
			log.Printf("%s: giving up after %d attempt(s): %v", id.Name, res.Attempts, err)
			res.Err = err
			return res
		}
		delay := b.Next()
		log.Printf("%s: attempt %d failed: %v (retry in %s)", id.Name, res.Attempts, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Canceled = true
			return res
		case <-timer.C:
		}
		if s.cfg.OnRetry != nil {
			s.cfg.OnRetry(id.Name)
		}
	}
}

func (s *Supervisor) statusLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	if s.cfg.Status == nil || s.cfg.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("supervisor: %s", s.cfg.Status())
		}
	}
}

// identityObserver notes whether the current attempt reached active and
// forwards everything.
type identityObserver struct {
	next   session.Observer
	active atomic.Bool
}

func (o *identityObserver) StateChanged(bot string, from, to session.State) {
	if to == session.StateActive {
		o.active.Store(true)
	}
	if o.next != nil {
		o.next.StateChanged(bot, from, to)
	}
}

func (o *identityObserver) LineReceived(bot string) {
	if o.next != nil {
		o.next.LineReceived(bot)
	}
}

func (o *identityObserver) FrameError(bot string) {
	if o.next != nil {
		o.next.FrameError(bot)
	}
}

func (o *identityObserver) Anomaly(bot string) {
	if o.next != nil {
		o.next.Anomaly(bot)
	}
}

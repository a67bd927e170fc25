package guard

import (
	"context"
	"sync"
	"time"

	"github.com/alecgard/schoolgate/internal/identity"
)

// Subscriber is the part of the credential store a Watcher listens to.
type Subscriber interface {
	OnSessionChange(fn identity.Listener) (unsubscribe func())
}

// Watcher keeps a guard's verdict current for a mounted page. SIGNED_OUT
// denies at once; SIGNED_IN re-runs the whole check.
type Watcher struct {
	checker Checker
	report  func(Verdict)

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	gen         int
	stopped     bool
	current     Verdict
	unsubscribe func()
}

// Mount subscribes to sub, then runs the first check. report receives every
// verdict, starting with Checking. report runs with the watcher locked and
// must not call back into it.
func Mount(sub Subscriber, checker Checker, report func(Verdict)) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		checker: checker,
		report:  report,
		ctx:     ctx,
		cancel:  cancel,
		current: Verdict{State: Checking},
	}
	if report == nil {
		w.report = func(Verdict) {}
	}

	w.mu.Lock()
	w.unsubscribe = sub.OnSessionChange(w.onSessionChange)
	w.report(w.current)
	gen := w.gen
	w.mu.Unlock()

	go w.run(gen)
	return w
}

// Current returns the latest verdict.
func (w *Watcher) Current() Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop unsubscribes. Checks finishing afterwards are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.unsubscribe()
	w.cancel()
}

// onSessionChange runs while the provider holds its lock, so the re-check is
// started from a timer instead of inline.
func (w *Watcher) onSessionChange(ev identity.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	switch ev.Kind {
	case identity.EventSignedOut:
		w.gen++
		w.setLocked(Verdict{State: DeniedUnauthenticated, Reason: "You have been signed out."})
	case identity.EventSignedIn:
		w.gen++
		gen := w.gen
		w.setLocked(Verdict{State: Checking})
		time.AfterFunc(0, func() { w.run(gen) })
	}
}

func (w *Watcher) run(gen int) {
	v := w.checker.Check(w.ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || gen != w.gen {
		return
	}
	w.setLocked(v)
}

func (w *Watcher) setLocked(v Verdict) {
	w.current = v
	w.report(v)
}

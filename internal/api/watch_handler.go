package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/schoolgate/internal/guard"
	"github.com/alecgard/schoolgate/internal/identity"
)

// subscribers fans one listener out to several credential clients.
type subscribers []guard.Subscriber

func (ss subscribers) OnSessionChange(fn identity.Listener) func() {
	unsubs := make([]func(), 0, len(ss))
	for _, s := range ss {
		unsubs = append(unsubs, s.OnSessionChange(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// latest holds the newest verdict for the stream writer. Older verdicts that
// were never written are dropped.
type latest struct {
	mu     sync.Mutex
	v      guard.Verdict
	notify chan struct{}
}

func (l *latest) set(v guard.Verdict) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latest) get() guard.Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}

// Watch handles GET /api/v1/guards/{guard}/watch. It streams the guard's
// verdict as server-sent events for as long as the page stays open: a
// sign-out denies at once and a sign-in re-runs the whole check. The
// school_admin guard takes the school from the school_code query parameter.
func (g guards) Watch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "guard")
	var build func(*http.Request) guard.Checker
	switch name {
	case "generic":
		build = g.generic
	case "admin":
		build = g.admin(false)
	case "super_admin":
		build = g.admin(true)
	case "school_admin":
		build = func(r *http.Request) guard.Checker {
			return guard.SchoolAdmin{Sessions: g.primary(r), Lookup: g.resolver, Redirects: g.redirects}.
				ForSchool(r.URL.Query().Get("school_code"))
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown guard")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	checker := build(r)
	c, ok := g.hub.Lookup(r)
	if !ok {
		// Nothing can sign this caller in without a client; one verdict is final.
		writeEvent(w, checker.Check(r.Context()))
		flusher.Flush()
		return
	}

	var sub guard.Subscriber = c.PrimaryAuth
	if name == "admin" || name == "super_admin" {
		sub = subscribers{c.AdminAuth, c.PrimaryAuth}
	}

	l := &latest{notify: make(chan struct{}, 1)}
	watcher := guard.Mount(sub, checker, l.set)
	defer watcher.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-l.notify:
			if err := writeEvent(w, l.get()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v guard.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: verdict\ndata: %s\n\n", data)
	return err
}

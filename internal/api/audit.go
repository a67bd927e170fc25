package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/schoolgate/internal/audit"
	"github.com/alecgard/schoolgate/internal/ratelimit"
)

// Recorder accepts audit events. *audit.Collector implements it.
type Recorder interface {
	Record(ev audit.Event)
}

// AttemptCounter counts credential attempts. *metrics.Metrics implements it.
type AttemptCounter interface {
	IncAuthAttempt(surface, operation, outcome string)
	IncRateLimitRejection(surface string)
}

// auditor writes audit events to the structured log and, when configured, to
// the audit trail.
type auditor struct {
	rec      Recorder
	attempts AttemptCounter
}

func (a auditor) record(r *http.Request, ev audit.Event) {
	ev.RemoteAddr = clientIP(r)
	ev.RequestID = RequestIDFromContext(r.Context())
	if ev.Outcome == "" {
		ev.Outcome = "success"
	}

	slog.Info("audit",
		"kind", ev.Kind,
		"surface", ev.Surface,
		"subject", ev.Subject,
		"email", ev.Email,
		"school_code", ev.SchoolCode,
		"outcome", ev.Outcome,
		"ip", ev.RemoteAddr,
		"request_id", ev.RequestID,
	)
	if a.rec != nil {
		a.rec.Record(ev)
	}
}

// attempt records a credential attempt in both the audit trail and metrics.
func (a auditor) attempt(r *http.Request, ev audit.Event) {
	a.record(r, ev)
	if a.attempts != nil {
		outcome := ev.Outcome
		if outcome == "" {
			outcome = "success"
		}
		a.attempts.IncAuthAttempt(ev.Surface, string(ev.Kind), outcome)
	}
}

func (a auditor) rateLimited(surface string) {
	if a.attempts != nil {
		a.attempts.IncRateLimitRejection(surface)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return ratelimit.ClientAddr(r)
}

package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP      httpSummary   `json:"http"`
	Auth      authInfo      `json:"auth"`
	Cache     cacheInfo     `json:"sessionCache"`
	Roles     rolesInfo     `json:"roles"`
	Guards    guardInfo     `json:"guards"`
	RateLimit rateLimitInfo `json:"rateLimit"`
	Audit     auditInfo     `json:"audit"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type authInfo struct {
	Successes     float64 `json:"successes"`
	Failures      float64 `json:"failures"`
	ActiveClients float64 `json:"activeClients"`
}

type cacheInfo struct {
	Hits    float64 `json:"hits"`
	Misses  float64 `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

type rolesInfo struct {
	Lookups float64 `json:"lookups"`
	Errors  float64 `json:"errors"`
}

type guardInfo struct {
	Allowed float64 `json:"allowed"`
	Denied  float64 `json:"denied"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type auditInfo struct {
	BufferSize    float64 `json:"bufferSize"`
	TotalFlushes  float64 `json:"totalFlushes"`
	FlushErrors   float64 `json:"flushErrors"`
	EventsWritten float64 `json:"eventsWritten"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
	EmptyAcquires float64 `json:"emptyAcquires"`
}

// Exposition returns the Prometheus text exposition handler for the private
// registry.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	summary, err := m.Summarize()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	hits := sumCounterWithLabel(fam["schoolgate_session_cache_lookups_total"], "result", "hit")
	misses := sumCounterWithLabel(fam["schoolgate_session_cache_lookups_total"], "result", "miss")
	var hitRate float64
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}
	allowed := sumCounterWithLabel(fam["schoolgate_guard_verdicts_total"], "state", "allowed")
	started := gaugeValue(fam["schoolgate_server_start_time_seconds"])

	return Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["schoolgate_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["schoolgate_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["schoolgate_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["schoolgate_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["schoolgate_http_request_duration_seconds"], 0.99),
		},
		Auth: authInfo{
			Successes:     sumCounterWithLabel(fam["schoolgate_auth_attempts_total"], "outcome", "success"),
			Failures:      sumCounter(fam["schoolgate_auth_attempts_total"]) - sumCounterWithLabel(fam["schoolgate_auth_attempts_total"], "outcome", "success"),
			ActiveClients: gaugeValue(fam["schoolgate_active_clients"]),
		},
		Cache: cacheInfo{Hits: hits, Misses: misses, HitRate: hitRate},
		Roles: rolesInfo{
			Lookups: sumCounter(fam["schoolgate_role_lookups_total"]),
			Errors:  sumCounterWithLabel(fam["schoolgate_role_lookups_total"], "outcome", "error"),
		},
		Guards: guardInfo{
			Allowed: allowed,
			Denied:  sumCounter(fam["schoolgate_guard_verdicts_total"]) - allowed,
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["schoolgate_ratelimit_rejections_total"]),
		},
		Audit: auditInfo{
			BufferSize:    gaugeValue(fam["schoolgate_audit_buffer_size"]),
			TotalFlushes:  sumCounter(fam["schoolgate_audit_flushes_total"]),
			FlushErrors:   sumCounterWithLabel(fam["schoolgate_audit_flushes_total"], "status", "error"),
			EventsWritten: counterValue(fam["schoolgate_audit_events_written_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["schoolgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["schoolgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["schoolgate_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["schoolgate_db_pool_max_conns"]),
			EmptyAcquires: counterValue(fam["schoolgate_db_pool_empty_acquires_total"]),
		},
		Server: serverInfo{
			StartTime:     started,
			UptimeSeconds: float64(time.Now().Unix()) - started,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// computeErrorRate is the share of requests answered with a 5xx status. Auth
// denials (401, 403, 429) are expected outcomes and not counted.
func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '5' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}

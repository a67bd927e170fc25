package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of the Postgres pool shared by the credential
// store, the role lookup procedures and the audit writer.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
	// EmptyAcquires counts acquires that found no idle connection and had to
	// wait or dial. Guard checks acquire once per role lookup, so a rising
	// count means lookups are queueing on the pool.
	EmptyAcquires int64
}

// DBPoolStatFunc returns pool statistics without importing pgxpool.
type DBPoolStatFunc func() PoolStats

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc         *prometheus.Desc
	idleDesc          *prometheus.Desc
	acquiredDesc      *prometheus.Desc
	maxDesc           *prometheus.Desc
	emptyAcquiresDesc *prometheus.Desc
}

// NewDBPoolCollector creates a collector reading statFunc on every scrape.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("schoolgate_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		statFunc:          statFunc,
		totalDesc:         desc("total_conns", "Total number of connections in the DB pool."),
		idleDesc:          desc("idle_conns", "Number of idle connections in the DB pool."),
		acquiredDesc:      desc("acquired_conns", "Number of connections currently serving lookups or writes."),
		maxDesc:           desc("max_conns", "Configured maximum size of the DB pool."),
		emptyAcquiresDesc: desc("empty_acquires_total", "Acquires that found no idle connection in the DB pool."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
	ch <- c.maxDesc
	ch <- c.emptyAcquiresDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquiresDesc, prometheus.CounterValue, float64(s.EmptyAcquires))
}

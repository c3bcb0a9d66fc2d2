// Package prom exposes jetqueue client activity as a prometheus collector.
package prom

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jetqueue"

type Collector struct {
	jobsReceived atomic.Uint64
	jobsUnacked  atomic.Uint64
	duplicates   atomic.Uint64
	timeouts     atomic.Uint64
	retries      atomic.Uint64
	open         atomic.Int64

	jobsReceivedDesc *prometheus.Desc
	jobsUnackedDesc  *prometheus.Desc
	duplicatesDesc   *prometheus.Desc
	timeoutsDesc     *prometheus.Desc
	retriesDesc      *prometheus.Desc
	openDesc         *prometheus.Desc

	batchLatency *prometheus.HistogramVec
	acks         *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector() *Collector {
	return &Collector{
		jobsReceivedDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_received_total"), "Number of jobs handed to handlers", nil, nil),
		jobsUnackedDesc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_unacked_total"), "Number of jobs whose batch finished without an ack", nil, nil),
		duplicatesDesc:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_duplicate_total"), "Number of redelivered jobs dropped", nil, nil),
		timeoutsDesc:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "keepalive_timeouts_total"), "Number of missed pongs", nil, nil),
		retriesDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "session_retries_total"), "Number of session restarts", nil, nil),
		openDesc:         prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connections_open"), "Open job connections", nil, nil),

		batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prometheus.BuildFQName(namespace, "", "batch_duration_seconds"),
			Help:    "Handler time per batch",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),

		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Ack entries sent, by code",
		}, []string{"code"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Enqueue and cancel calls",
		}, []string{"op", "queue", "result"}),
	}
}

func (c *Collector) Describe(d chan<- *prometheus.Desc) {
	d <- c.jobsReceivedDesc
	d <- c.jobsUnackedDesc
	d <- c.duplicatesDesc
	d <- c.timeoutsDesc
	d <- c.retriesDesc
	d <- c.openDesc

	c.batchLatency.Describe(d)
	c.acks.Describe(d)
	c.requests.Describe(d)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.jobsReceivedDesc, prometheus.CounterValue, float64(c.jobsReceived.Load()))
	ch <- prometheus.MustNewConstMetric(c.jobsUnackedDesc, prometheus.CounterValue, float64(c.jobsUnacked.Load()))
	ch <- prometheus.MustNewConstMetric(c.duplicatesDesc, prometheus.CounterValue, float64(c.duplicates.Load()))
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue, float64(c.timeouts.Load()))
	ch <- prometheus.MustNewConstMetric(c.retriesDesc, prometheus.CounterValue, float64(c.retries.Load()))
	ch <- prometheus.MustNewConstMetric(c.openDesc, prometheus.GaugeValue, float64(c.open.Load()))

	c.batchLatency.Collect(ch)
	c.acks.Collect(ch)
	c.requests.Collect(ch)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Hooks feeds the collector. Chain it with other hooks via jetqueue.ChainHooks.
func (c *Collector) Hooks() jetqueue.Hooks {
	return jetqueue.Hooks{
		OnStateChange: func(_ context.Context, _ string, from, to jetqueue.ConnState) {
			if to == jetqueue.StateOpen {
				c.open.Add(1)
			}
			if from == jetqueue.StateOpen {
				c.open.Add(-1)
			}
		},
		OnBatchDone: func(_ context.Context, jobs []jetqueue.Job, took time.Duration, err error) {
			c.jobsReceived.Add(uint64(len(jobs)))
			c.batchLatency.WithLabelValues(result(err)).Observe(took.Seconds())
		},
		OnAck: func(_ context.Context, entries []jetqueue.AckEntry) {
			for _, e := range entries {
				c.acks.WithLabelValues(string(e.Code)).Inc()
			}
		},
		OnUnacked: func(_ context.Context, jobs []jetqueue.Job) {
			c.jobsUnacked.Add(uint64(len(jobs)))
		},
		OnDuplicate: func(context.Context, jetqueue.Job) {
			c.duplicates.Add(1)
		},
		OnKeepaliveTimeout: func(context.Context, string) {
			c.timeouts.Add(1)
		},
		OnRetry: func(context.Context, int, time.Duration, error) {
			c.retries.Add(1)
		},
		OnEnqueue: func(_ context.Context, queue string, _ *jetqueue.EnqueueResponse, err error) {
			c.requests.WithLabelValues("enqueue", queue, result(err)).Inc()
		},
		OnCancel: func(_ context.Context, queue string, _ jetqueue.JobID, err error) {
			c.requests.WithLabelValues("cancel", queue, result(err)).Inc()
		},
	}
}

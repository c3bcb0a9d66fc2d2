package prom

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	h := c.Hooks()
	ctx := context.Background()
	jobs := []jetqueue.Job{{ID: 1}, {ID: 2}}
	h.OnStateChange(ctx, "ws://x", jetqueue.StateConnecting, jetqueue.StateOpen)
	h.OnBatchDone(ctx, jobs, 5*time.Millisecond, nil)
	h.OnAck(ctx, []jetqueue.AckEntry{jobs[0].OK(), jobs[1].OK()})
	h.OnUnacked(ctx, jobs[1:])
	h.OnKeepaliveTimeout(ctx, "ws://x")
	h.OnRetry(ctx, 1, time.Second, jetqueue.ErrKeepaliveTimeout)
	h.OnEnqueue(ctx, "mail", nil, errors.New("boom"))

	expected := `
# HELP jetqueue_jobs_received_total Number of jobs handed to handlers
# TYPE jetqueue_jobs_received_total counter
jetqueue_jobs_received_total 2
# HELP jetqueue_jobs_unacked_total Number of jobs whose batch finished without an ack
# TYPE jetqueue_jobs_unacked_total counter
jetqueue_jobs_unacked_total 1
# HELP jetqueue_keepalive_timeouts_total Number of missed pongs
# TYPE jetqueue_keepalive_timeouts_total counter
jetqueue_keepalive_timeouts_total 1
# HELP jetqueue_session_retries_total Number of session restarts
# TYPE jetqueue_session_retries_total counter
jetqueue_session_retries_total 1
# HELP jetqueue_connections_open Open job connections
# TYPE jetqueue_connections_open gauge
jetqueue_connections_open 1
# HELP jetqueue_acks_total Ack entries sent, by code
# TYPE jetqueue_acks_total counter
jetqueue_acks_total{code="ok"} 2
# HELP jetqueue_requests_total Enqueue and cancel calls
# TYPE jetqueue_requests_total counter
jetqueue_requests_total{op="enqueue",queue="mail",result="error"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"jetqueue_jobs_received_total",
		"jetqueue_jobs_unacked_total",
		"jetqueue_keepalive_timeouts_total",
		"jetqueue_session_retries_total",
		"jetqueue_connections_open",
		"jetqueue_acks_total",
		"jetqueue_requests_total",
	))

	assert.Equal(t, 1, testutil.CollectAndCount(c, "jetqueue_batch_duration_seconds"))

	h.OnStateChange(ctx, "ws://x", jetqueue.StateOpen, jetqueue.StateClosing)
	assert.Equal(t, int64(0), c.open.Load())
}

package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorderIsARecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncTaskOutcome("completed")
	r.IncBatchOutcome("success")
	r.ObserveTaskDuration("repo", time.Second)
	r.ObserveBatchDuration(time.Second)
	r.SetQueueDepth(1)
	r.SetWorkersBusy(1)
	r.IncCommentPost(true)
}

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncTaskOutcome("completed")
	r.IncTaskOutcome("completed")
	r.IncTaskOutcome("failed")
	r.IncBatchOutcome("success")
	r.IncCommentPost(true)
	r.IncCommentPost(false)
	r.SetQueueDepth(3)
	r.SetWorkersBusy(2)
	r.ObserveTaskDuration("repo-a", 42*time.Second)
	r.ObserveBatchDuration(5 * time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.taskOutcomes.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.taskOutcomes.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.batchOutcomes.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.commentResults.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.commentResults.WithLabelValues("failed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.workersBusy))

	require.NotNil(t, r.Handler())
}

// Package metrics provides observability hooks for the review engine.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics can be enabled by swapping in the Prometheus
// implementation without touching call sites.
package metrics

import "time"

// Recorder defines the engine's observability hooks. Implementations must
// tolerate concurrent use.
type Recorder interface {
	// IncTaskOutcome counts finished tasks by final status
	// (completed|failed|cancelled).
	IncTaskOutcome(outcome string)
	// IncBatchOutcome counts assistant batches by result (success|failed).
	IncBatchOutcome(outcome string)
	// ObserveTaskDuration records end-to-end task processing time.
	ObserveTaskDuration(repo string, d time.Duration)
	// ObserveBatchDuration records one assistant invocation.
	ObserveBatchDuration(d time.Duration)
	// SetQueueDepth tracks the number of tasks waiting for a worker.
	SetQueueDepth(n int)
	// SetWorkersBusy tracks occupied worker slots.
	SetWorkersBusy(n int)
	// IncCommentPost counts review comment deliveries by result.
	IncCommentPost(success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) IncTaskOutcome(string)                     {}
func (NoopRecorder) IncBatchOutcome(string)                    {}
func (NoopRecorder) ObserveTaskDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBatchDuration(time.Duration)        {}
func (NoopRecorder) SetQueueDepth(int)                         {}
func (NoopRecorder) SetWorkersBusy(int)                        {}
func (NoopRecorder) IncCommentPost(bool)                       {}

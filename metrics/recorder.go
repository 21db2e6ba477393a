package metrics

import "time"

// Recorder defines observability hooks for training runs. Implementations
// may forward to Prometheus or elsewhere; NoopRecorder is the default.
type Recorder interface {
	ObserveEpoch(epoch int, loss, accuracy float64)
	ObserveValidation(epoch int, loss, accuracy float64)
	SetBestLoss(loss float64)
	IncCheckpoint()
	IncSignal(kind string) // kind: pause|stop
	IncEarlyStop(monitor string)
	ObserveRunDuration(d time.Duration)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveEpoch(int, float64, float64)      {}
func (NoopRecorder) ObserveValidation(int, float64, float64) {}
func (NoopRecorder) SetBestLoss(float64)                     {}
func (NoopRecorder) IncCheckpoint()                          {}
func (NoopRecorder) IncSignal(string)                        {}
func (NoopRecorder) IncEarlyStop(string)                     {}
func (NoopRecorder) ObserveRunDuration(time.Duration)        {}

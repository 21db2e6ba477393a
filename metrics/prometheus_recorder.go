package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once        sync.Once
	epochs      prom.Counter
	epoch       prom.Gauge
	loss        *prom.GaugeVec
	accuracy    *prom.GaugeVec
	bestLoss    prom.Gauge
	checkpoints prom.Counter
	signals     *prom.CounterVec
	earlyStops  *prom.CounterVec
	runDuration prom.Histogram
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.epochs = prom.NewCounter(prom.CounterOpts{
			Namespace: "fitmonitor",
			Name:      "epochs_total",
			Help:      "Completed training epochs",
		})
		pr.epoch = prom.NewGauge(prom.GaugeOpts{
			Namespace: "fitmonitor",
			Name:      "current_epoch",
			Help:      "Index of the last completed epoch",
		})
		pr.loss = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fitmonitor",
			Name:      "loss",
			Help:      "Loss of the last completed epoch",
		}, []string{"split"})
		pr.accuracy = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fitmonitor",
			Name:      "accuracy",
			Help:      "Accuracy of the last completed epoch",
		}, []string{"split"})
		pr.bestLoss = prom.NewGauge(prom.GaugeOpts{
			Namespace: "fitmonitor",
			Name:      "best_loss",
			Help:      "Training loss of the saved checkpoint",
		})
		pr.checkpoints = prom.NewCounter(prom.CounterOpts{
			Namespace: "fitmonitor",
			Name:      "checkpoints_total",
			Help:      "Checkpoints taken",
		})
		pr.signals = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fitmonitor",
			Name:      "signals_total",
			Help:      "Control signals handled by kind",
		}, []string{"kind"})
		pr.earlyStops = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fitmonitor",
			Name:      "early_stops_total",
			Help:      "Early stops by monitored metric",
		}, []string{"monitor"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "fitmonitor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of training runs",
			Buckets:   prom.ExponentialBuckets(1, 4, 10),
		})
		reg.MustRegister(pr.epochs, pr.epoch, pr.loss, pr.accuracy, pr.bestLoss, pr.checkpoints, pr.signals, pr.earlyStops, pr.runDuration)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveEpoch(epoch int, loss, accuracy float64) {
	if p == nil || p.epochs == nil {
		return
	}
	p.epochs.Inc()
	p.epoch.Set(float64(epoch))
	p.loss.WithLabelValues("train").Set(loss)
	p.accuracy.WithLabelValues("train").Set(accuracy)
}

func (p *PrometheusRecorder) ObserveValidation(_ int, loss, accuracy float64) {
	if p == nil || p.loss == nil {
		return
	}
	p.loss.WithLabelValues("validation").Set(loss)
	p.accuracy.WithLabelValues("validation").Set(accuracy)
}

func (p *PrometheusRecorder) SetBestLoss(loss float64) {
	if p == nil || p.bestLoss == nil {
		return
	}
	p.bestLoss.Set(loss)
}

func (p *PrometheusRecorder) IncCheckpoint() {
	if p == nil || p.checkpoints == nil {
		return
	}
	p.checkpoints.Inc()
}

func (p *PrometheusRecorder) IncSignal(kind string) {
	if p == nil || p.signals == nil {
		return
	}
	p.signals.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncEarlyStop(monitor string) {
	if p == nil || p.earlyStops == nil {
		return
	}
	p.earlyStops.WithLabelValues(monitor).Inc()
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

// Handler returns an HTTP handler exposing the metrics gathered by reg
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteMetrics writes the run as a node_exporter textfile-collector file, so
// CI deploy jobs show up next to the rest of the fleet metrics.
func (r *Report) WriteMetrics(path string) error {
	registry := prometheus.NewRegistry()

	stepsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deployer_steps_total",
		Help: "Steps processed in the last deployer run, by kind and status.",
	}, []string{"network", "kind", "status"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deployer_step_duration_seconds",
		Help:    "Wall time of executed steps in the last deployer run.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600},
	}, []string{"network", "kind"})

	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deployer_transactions_total",
		Help: "Confirmed transactions sent in the last deployer run.",
	}, []string{"network"})

	lastRun := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deployer_last_run_timestamp_seconds",
		Help: "Unix time the last deployer run finished.",
	}, []string{"network"})

	exitCode := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deployer_last_run_exit_code",
		Help: "Exit code of the last deployer run.",
	}, []string{"network"})

	registry.MustRegister(stepsTotal, stepDuration, transactions, lastRun, exitCode)

	for _, s := range r.Steps {
		stepsTotal.WithLabelValues(r.Network, s.Kind, s.Status).Inc()
		if s.Duration != "" {
			stepDuration.WithLabelValues(r.Network, s.Kind).Observe(s.seconds)
		}
		transactions.WithLabelValues(r.Network).Add(float64(s.Transactions))
	}
	lastRun.WithLabelValues(r.Network).Set(float64(r.FinishedAt.Unix()))
	exitCode.WithLabelValues(r.Network).Set(float64(r.ExitCode()))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create metrics directory: %w", err)
	}

	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("could not write metrics file: %w", err)
	}

	return nil
}

// Package metrics exports deploy state in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LastRun describes the most recent deploy or rollback.
type LastRun struct {
	Kind     string
	Status   string
	Started  time.Time
	Finished time.Time
}

// Snapshot is the state exported on each write.
type Snapshot struct {
	App            string
	Counts         map[string]map[string]int // kind -> status -> runs
	Last           *LastRun
	CurrentRelease time.Time // zero before the first deploy
	Releases       int
}

// Registry builds a fresh registry holding s. The CLI is short lived, so
// values are rebuilt from the history store on every run rather than
// accumulated in process.
func Registry(s Snapshot) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"app": s.App}

	runs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "shipctl_deploy_runs",
		Help:        "Recorded deploy and rollback runs by kind and final status.",
		ConstLabels: constLabels,
	}, []string{"kind", "status"})
	for kind, byStatus := range s.Counts {
		for status, n := range byStatus {
			runs.WithLabelValues(kind, status).Set(float64(n))
		}
	}

	releases := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "shipctl_releases",
		Help:        "Release directories on disk.",
		ConstLabels: constLabels,
	})
	releases.Set(float64(s.Releases))

	reg.MustRegister(runs, releases)

	if !s.CurrentRelease.IsZero() {
		current := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shipctl_current_release_timestamp_seconds",
			Help:        "Creation time of the release the current pointer names.",
			ConstLabels: constLabels,
		})
		current.Set(float64(s.CurrentRelease.Unix()))
		reg.MustRegister(current)
	}

	if s.Last != nil {
		lastTime := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "shipctl_last_run_timestamp_seconds",
			Help:        "Finish time of the most recent deploy or rollback.",
			ConstLabels: constLabels,
		}, []string{"kind", "status"})
		lastTime.WithLabelValues(s.Last.Kind, s.Last.Status).Set(float64(s.Last.Finished.Unix()))

		lastDuration := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shipctl_last_run_duration_seconds",
			Help:        "Wall time of the most recent deploy or rollback.",
			ConstLabels: constLabels,
		})
		lastDuration.Set(s.Last.Finished.Sub(s.Last.Started).Seconds())

		healthy := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shipctl_last_run_healthy",
			Help:        "1 when the most recent deploy or rollback passed its health check.",
			ConstLabels: constLabels,
		})
		if s.Last.Status == "healthy" {
			healthy.Set(1)
		}

		reg.MustRegister(lastTime, lastDuration, healthy)
	}

	return reg
}

// Write stores s at path atomically.
func Write(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := prometheus.WriteToTextfile(path, Registry(s)); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

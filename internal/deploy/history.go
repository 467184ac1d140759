package deploy

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/blackwell-systems/shipctl/internal/metrics"
	"github.com/blackwell-systems/shipctl/internal/release"
	"github.com/blackwell-systems/shipctl/internal/store"
)

// run is the bookkeeping for one deploy or rollback.
type run struct {
	id       string
	kind     string
	release  release.ID
	previous release.ID
	stage    Stage
	started  time.Time
}

// ledger returns the history store, opening it on first use when needed.
func (m *Manager) ledger() *store.Store {
	if m.history == nil && m.OpenHistory != nil && !m.historyTried {
		m.historyTried = true
		h, err := m.OpenHistory()
		if err != nil {
			m.log.Warn("history database unavailable", "error", err)
		} else {
			m.history = h
		}
	}
	return m.history
}

func (m *Manager) begin(kind string, previous release.ID) *run {
	r := &run{
		id:       uuid.NewString(),
		kind:     kind,
		previous: previous,
		stage:    StageIdle,
		started:  m.now(),
	}
	m.log.Debug("run started", "run", r.id, "kind", kind, "previous", previous)

	if h := m.ledger(); h != nil {
		err := h.InsertDeploy(&store.Deploy{
			ID:                r.id,
			Kind:              kind,
			PreviousReleaseID: string(previous),
			Status:            store.StatusRunning,
			Stage:             string(r.stage),
			StartedAt:         r.started,
		})
		if err != nil {
			m.log.Warn("history: record start", "error", err)
		}
	}
	return r
}

func (m *Manager) enter(r *run, s Stage) {
	r.stage = s
	m.log.Debug("stage", "run", r.id, "stage", s, "release", r.release)
	if m.OnStage != nil {
		m.OnStage(s)
	}
	if h := m.ledger(); h != nil {
		if err := h.UpdateDeployStage(r.id, string(s), string(r.release)); err != nil {
			m.log.Warn("history: record stage", "error", err)
		}
	}
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return store.StatusHealthy
	case errors.Is(err, ErrHealthCheckFailed):
		return store.StatusUnhealthy
	default:
		return store.StatusFailed
	}
}

func (m *Manager) finish(r *run, runErr error) {
	finished := m.now()
	status := statusFor(runErr)

	if runErr != nil {
		m.log.Error("run failed", "run", r.id, "kind", r.kind, "stage", r.stage, "release", r.release, "error", runErr)
	} else {
		m.log.Info("run finished", "run", r.id, "kind", r.kind, "release", r.release, "duration", finished.Sub(r.started))
	}

	if h := m.ledger(); h != nil {
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if err := h.FinishDeploy(r.id, status, msg, finished); err != nil {
			m.log.Warn("history: record finish", "error", err)
		}
	}

	if m.cfg.Metrics.Textfile != "" {
		if err := m.writeMetrics(r, status, finished); err != nil {
			m.log.Warn("metrics", "error", err)
		}
	}
}

func (m *Manager) writeMetrics(r *run, status string, finished time.Time) error {
	snap := metrics.Snapshot{
		App: m.cfg.App.Name,
		Last: &metrics.LastRun{
			Kind:     r.kind,
			Status:   status,
			Started:  r.started,
			Finished: finished,
		},
	}

	if h := m.ledger(); h != nil {
		counts, err := h.CountDeploys()
		if err != nil {
			return err
		}
		snap.Counts = counts
	}

	ids, err := m.releases.List()
	if err != nil {
		return err
	}
	snap.Releases = len(ids)

	if cur, ok, err := m.releases.Current(); err == nil && ok {
		if t, err := cur.Time(); err == nil {
			snap.CurrentRelease = t
		}
	}

	return metrics.Write(m.cfg.Metrics.Textfile, snap)
}

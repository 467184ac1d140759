package store

import "time"

// Deploy kinds.
const (
	KindDeploy   = "deploy"
	KindRollback = "rollback"
)

// Run statuses shared by deploys and host runs.
const (
	StatusRunning   = "running"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusFailed    = "failed"
	StatusOK        = "ok"
)

// Deploy is one deploy or rollback run.
type Deploy struct {
	ID                string
	Kind              string
	ReleaseID         string
	PreviousReleaseID string
	Status            string
	Stage             string
	Error             string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// HostRun records one provision or teardown invocation.
type HostRun struct {
	ID        int64
	Action    string // "provision" or "teardown"
	Options   map[string]any
	Changes   int
	DryRun    bool
	Status    string
	Error     string
	CreatedAt time.Time
}

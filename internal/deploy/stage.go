package deploy

// Stage is a state of the deploy state machine:
//
//	idle -> allocating -> syncing -> resolving_deps -> switching
//	     -> restarting -> probing -> healthy | unhealthy
//
// A rollback enters at switching.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageAllocating    Stage = "allocating"
	StageSyncing       Stage = "syncing"
	StageResolvingDeps Stage = "resolving_deps"
	StageSwitching     Stage = "switching"
	StageRestarting    Stage = "restarting"
	StageProbing       Stage = "probing"
	StageHealthy       Stage = "healthy"
	StageUnhealthy     Stage = "unhealthy"
)

// Describe returns operator-facing progress text for s.
func (s Stage) Describe() string {
	switch s {
	case StageAllocating:
		return "Allocating release"
	case StageSyncing:
		return "Syncing payload"
	case StageResolvingDeps:
		return "Installing dependencies"
	case StageSwitching:
		return "Switching current release"
	case StageRestarting:
		return "Starting listener"
	case StageProbing:
		return "Waiting for health check"
	case StageHealthy:
		return "Healthy"
	case StageUnhealthy:
		return "Unhealthy"
	default:
		return string(s)
	}
}

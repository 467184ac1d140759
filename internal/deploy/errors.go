package deploy

import (
	"errors"
	"fmt"

	"github.com/blackwell-systems/shipctl/internal/release"
)

var (
	// ErrDependencyResolution means the environment could not be built from
	// the lock file. The current pointer is untouched.
	ErrDependencyResolution = errors.New("dependency resolution failed")

	// ErrHealthCheckFailed means the new release never answered its health
	// check. The current pointer stays on the new release.
	ErrHealthCheckFailed = errors.New("deployment health check failed")
)

// HealthCheckError carries the diagnostics collected after a failed probe.
type HealthCheckError struct {
	Release     release.ID
	Attempts    int
	Diagnostics string
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("release %s: %v after %d attempts", e.Release, ErrHealthCheckFailed, e.Attempts)
}

func (e *HealthCheckError) Unwrap() error {
	return ErrHealthCheckFailed
}

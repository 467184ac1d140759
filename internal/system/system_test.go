package system_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/shipctl/internal/system"
	"github.com/blackwell-systems/shipctl/internal/system/systemtest"
)

func TestCheckPreconditions(t *testing.T) {
	fake := systemtest.New()
	assert.NoError(t, system.CheckPreconditions(fake, "systemctl", "useradd"))

	fake.Root = false
	fake.Missing["nginx"] = true

	err := system.CheckPreconditions(fake, "systemctl", "nginx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, system.ErrPrecondition))
	assert.Contains(t, err.Error(), "must run as root")
	assert.Contains(t, err.Error(), `"nginx"`)
	assert.NotContains(t, err.Error(), `"systemctl"`)
}

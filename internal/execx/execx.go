// Package execx runs external tools with a timeout and captured output.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds tools that have no better estimate.
const DefaultTimeout = 30 * time.Second

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr joined, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Cmd describes one invocation. Env entries are appended to the current
// process environment.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Run executes name with args, bounded by timeout.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return RunCmd(ctx, Cmd{Name: name, Args: args, Timeout: timeout})
}

// RunCmd executes c. A non-zero exit is returned as an error that includes
// the tail of stderr.
func RunCmd(ctx context.Context, c Cmd) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb

	err := cmd.Run()

	res := Result{
		Stdout: outb.String(),
		Stderr: errb.String(),
	}

	// Timeout?
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("command timeout after %s: %s", timeout, c)
	}

	if err == nil {
		return res, nil
	}

	// Non-zero exit
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		if tail := lastLine(res.Stderr); tail != "" {
			return res, fmt.Errorf("command failed (exit %d): %s: %s", res.ExitCode, c, tail)
		}
		return res, fmt.Errorf("command failed (exit %d): %s", res.ExitCode, c)
	}

	res.ExitCode = -1
	return res, fmt.Errorf("command error: %s: %w", c, err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

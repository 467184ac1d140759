package app

import (
	"os"
	"strings"
	"testing"
)

func TestRunStatus_UnprovisionedHost(t *testing.T) {
	testHost(t)

	var runErr error
	out := captureStdout(t, func() {
		runErr = runStatus(statusCmd, nil)
	})
	if runErr == nil {
		t.Fatal("runStatus() should fail on an unprovisioned host")
	}
	for _, want := range []string{"✗ Service user web missing", "Action: run 'shipctl provision'", "critical issue"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatus_ProvisionedWithoutRelease(t *testing.T) {
	_, paths := testHost(t)
	captureStdout(t, func() {
		if err := runProvision(provisionCmd, nil); err != nil {
			t.Errorf("runProvision() error: %v", err)
		}
	})

	code := -1
	exit = func(c int) { code = c }

	var runErr error
	out := captureStdout(t, func() {
		runErr = runStatus(statusCmd, nil)
	})
	if runErr != nil {
		t.Fatalf("runStatus() error: %v\n%s", runErr, out)
	}
	if code != 2 {
		t.Errorf("warnings only should exit 2, got %d", code)
	}
	for _, want := range []string{
		"✓ Service user web",
		"✓ Env file " + paths.EnvFile + " (0 variables)",
		"✓ web.socket listening on " + paths.SocketPath,
		"web.service idle",
		"⚠ No release deployed yet",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatus_MalformedEnvFile(t *testing.T) {
	_, paths := testHost(t)
	captureStdout(t, func() {
		if err := runProvision(provisionCmd, nil); err != nil {
			t.Errorf("runProvision() error: %v", err)
		}
	})
	if err := os.WriteFile(paths.EnvFile, []byte("GOOD=1\nnot a pair\n"), 0640); err != nil {
		t.Fatal(err)
	}
	exit = func(int) {}

	out := captureStdout(t, func() {
		runStatus(statusCmd, nil)
	})
	if !strings.Contains(out, "malformed lines: [2]") {
		t.Errorf("expected malformed line report, got:\n%s", out)
	}
}

func TestFirstLineOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"one", "one"},
		{"one\ntwo", "one"},
	}
	for _, tt := range tests {
		if got := firstLineOf(tt.in); got != tt.want {
			t.Errorf("firstLineOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

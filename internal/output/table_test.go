package output

import (
	"strings"
	"testing"
	"time"

	"github.com/blackwell-systems/shipctl/internal/store"
)

func TestRenderReleaseTable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		rows     []ReleaseRow
		contains []string
	}{
		{
			name:     "no releases",
			rows:     nil,
			contains: []string{"No releases found"},
		},
		{
			name: "current marked",
			rows: []ReleaseRow{
				{ID: "20240101T000000.000000Z", Created: now.Add(-48 * time.Hour), EnvReady: true, Status: "healthy"},
				{ID: "20240102T000000.000000Z", Created: now.Add(-2 * time.Hour), EnvReady: true, Status: "unhealthy", Current: true},
				{ID: "20240103T000000.000000Z", Created: now, Status: ""},
			},
			contains: []string{
				"  20240101T000000.000000Z",
				"* 20240102T000000.000000Z",
				"2 days ago",
				"2 hours ago",
				"unhealthy",
				"no ",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RenderReleaseTable(tt.rows)
			for _, expected := range tt.contains {
				if !strings.Contains(result, expected) {
					t.Errorf("RenderReleaseTable() missing %q\nGot:\n%s", expected, result)
				}
			}
		})
	}
}

func TestRenderDeployTable(t *testing.T) {
	started := time.Now().Add(-3 * time.Minute)
	finished := started.Add(12300 * time.Millisecond)

	result := RenderDeployTable([]*store.Deploy{
		{
			Kind:       store.KindDeploy,
			ReleaseID:  "20240102T000000.000000Z",
			Status:     store.StatusUnhealthy,
			Stage:      "unhealthy",
			Error:      "release 20240102T000000.000000Z: deployment health check failed after 20 attempts\nweb.service: failed",
			StartedAt:  started,
			FinishedAt: &finished,
		},
		{
			Kind:      store.KindRollback,
			Status:    store.StatusRunning,
			Stage:     "switching",
			StartedAt: started,
		},
	})

	for _, expected := range []string{"deploy", "rollback", "12.3s", "3 minutes ago", "at switching", ": depl..."} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderDeployTable() missing %q\nGot:\n%s", expected, result)
		}
	}
	if strings.Contains(result, "web.service: failed") {
		t.Error("only the first line of an error belongs in the table")
	}

	if got := RenderDeployTable(nil); !strings.Contains(got, "No deploys recorded") {
		t.Errorf("empty table = %q", got)
	}
}

func TestRenderHostRunTable(t *testing.T) {
	result := RenderHostRunTable([]*store.HostRun{
		{Action: "provision", Changes: 12, Status: store.StatusOK, CreatedAt: time.Now()},
		{Action: "teardown", Changes: 3, DryRun: true, Status: store.StatusOK, CreatedAt: time.Now()},
	})
	for _, expected := range []string{"provision", "12", "3 (dry)", "just now"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderHostRunTable() missing %q\nGot:\n%s", expected, result)
		}
	}
}

func TestRenderPlan(t *testing.T) {
	if got := RenderPlan(nil); got != "Nothing to do.\n" {
		t.Errorf("RenderPlan(nil) = %q", got)
	}
	got := RenderPlan([]string{"create group web", "daemon-reload"})
	if !strings.Contains(got, " 1. create group web") || !strings.Contains(got, " 2. daemon-reload") {
		t.Errorf("RenderPlan() = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{850 * time.Millisecond, "850ms"},
		{12300 * time.Millisecond, "12.3s"},
		{4*time.Minute + 5*time.Second, "4m05s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-1 * time.Minute), "1 minute ago"},
		{now.Add(-5 * time.Hour), "5 hours ago"},
		{now.Add(-24 * time.Hour), "1 day ago"},
		{now.Add(-400 * 24 * time.Hour), "1 year ago"},
	}
	for _, tt := range tests {
		if got := formatRelativeTime(tt.in); got != tt.want {
			t.Errorf("formatRelativeTime(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefgh", 5); got != "ab..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdef", 2); got != "ab" {
		t.Errorf("truncate = %q", got)
	}
}

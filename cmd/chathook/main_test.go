package main

import (
	"errors"
	"testing"

	"github.com/ashureev/agentroom/internal/domain"
)

func TestOutcomeExitCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status domain.ReviewStatus
		want   int
	}{
		{domain.ReviewApproved, 0},
		{domain.ReviewAnswered, 0},
		{domain.ReviewDenied, 2},
		{domain.ReviewExpired, 3},
	}
	for _, tt := range tests {
		err := outcomeError(tt.status)
		got := 0
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			got = coder.ExitCode()
		} else if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.status, err)
		}
		if got != tt.want {
			t.Errorf("%s: exit code %d, want %d", tt.status, got, tt.want)
		}
	}

	if err := outcomeError(domain.ReviewPending); err == nil {
		t.Error("expected error for pending review")
	}
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	var coder interface{ ExitCode() int }
	if err := run([]string{"bogus"}); !errors.As(err, &coder) || coder.ExitCode() != 64 {
		t.Fatalf("expected usage exit code 64, got %v", err)
	}
	if err := run(nil); !errors.As(err, &coder) || coder.ExitCode() != 64 {
		t.Fatalf("expected usage exit code 64, got %v", err)
	}
}

func TestApproveRequiresConnectionFlags(t *testing.T) {
	t.Setenv("AGENTROOM_KEY", "")
	t.Setenv("AGENTROOM_ROOM", "")
	var coder interface{ ExitCode() int }
	if err := run([]string{"approve", "--content", "ok?"}); !errors.As(err, &coder) || coder.ExitCode() != 64 {
		t.Fatalf("expected usage exit code 64, got %v", err)
	}
}

package trigger

import (
	"errors"
	"testing"

	"deployer/internal/apperrors"
)

const sha = "abc123def456"

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ev      Event
		want    Context
		wantErr bool
	}{
		{
			name: "push to main is a merge",
			ev:   Event{EventType: "push", Ref: "refs/heads/main", CommitSHA: sha},
			want: Context{Kind: KindMerge, Ref: "refs/heads/main", CommitSHA: sha},
		},
		{
			name: "version tag push",
			ev:   Event{EventType: "push", Ref: "refs/tags/v1.2.0", CommitSHA: sha},
			want: Context{Kind: KindTag, Ref: "refs/tags/v1.2.0", CommitSHA: sha, VersionTag: "v1.2.0"},
		},
		{
			name: "pull request opened",
			ev:   Event{EventType: "pull_request", Ref: "refs/heads/feature", CommitSHA: sha, Action: "opened"},
			want: Context{Kind: KindPullRequest, Ref: "refs/heads/feature", CommitSHA: sha},
		},
		{
			name: "pull request synchronize",
			ev:   Event{EventType: "pull_request", Ref: "refs/heads/feature", CommitSHA: sha, Action: "synchronize"},
			want: Context{Kind: KindPullRequest, Ref: "refs/heads/feature", CommitSHA: sha},
		},
		{
			name: "manual dispatch",
			ev:   Event{EventType: "manual", Ref: "refs/heads/main", CommitSHA: sha},
			want: Context{Kind: KindManual, Ref: "refs/heads/main", CommitSHA: sha},
		},
		{
			name:    "push to feature branch rejected",
			ev:      Event{EventType: "push", Ref: "refs/heads/feature", CommitSHA: sha},
			wantErr: true,
		},
		{
			name:    "non-version tag rejected",
			ev:      Event{EventType: "push", Ref: "refs/tags/nightly", CommitSHA: sha},
			wantErr: true,
		},
		{
			name:    "malformed semver rejected",
			ev:      Event{EventType: "push", Ref: "refs/tags/v1.2", CommitSHA: sha},
			wantErr: true,
		},
		{
			name:    "pull request closed rejected",
			ev:      Event{EventType: "pull_request", Ref: "refs/heads/feature", CommitSHA: sha, Action: "closed"},
			wantErr: true,
		},
		{
			name:    "unknown event type rejected",
			ev:      Event{EventType: "release", Ref: "refs/heads/main", CommitSHA: sha},
			wantErr: true,
		},
		{
			name:    "missing commit sha rejected",
			ev:      Event{EventType: "push", Ref: "refs/heads/main"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Classify(tt.ev)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Classify() = %+v, want error", got)
				}
				if !errors.Is(err, apperrors.ErrValidation) {
					t.Errorf("Classify() error = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestShortSHA(t *testing.T) {
	t.Parallel()

	c := Context{CommitSHA: "abc123def456"}
	if got := c.ShortSHA(); got != "abc123d" {
		t.Errorf("ShortSHA() = %q, want %q", got, "abc123d")
	}

	short := Context{CommitSHA: "abc1234"}
	if got := short.ShortSHA(); got != "abc1234" {
		t.Errorf("ShortSHA() = %q, want %q", got, "abc1234")
	}
}

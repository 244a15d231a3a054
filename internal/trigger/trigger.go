// Package trigger classifies source-control events into a TriggerContext.
package trigger

import (
	"fmt"
	"strings"

	"deployer/internal/apperrors"

	"github.com/Masterminds/semver/v3"
)

// Kind identifies how a pipeline run was triggered.
type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindMerge       Kind = "merge"
	KindTag         Kind = "tag"
	KindManual      Kind = "manual"
)

// Event is the raw trigger payload as received from source control.
type Event struct {
	EventType string `json:"eventType"` // "push", "pull_request", "manual"
	Ref       string `json:"ref"`       // e.g. "refs/heads/main", "refs/tags/v1.2.0"
	CommitSHA string `json:"commitSha"`
	Action    string `json:"action,omitempty"` // pull_request action: "opened", "synchronize"
}

// Context is the immutable classification of a trigger event.
// It is created once per pipeline run and never mutated.
type Context struct {
	Kind       Kind   `json:"kind"`
	Ref        string `json:"ref"`
	CommitSHA  string `json:"commitSha"`
	VersionTag string `json:"versionTag,omitempty"` // set only for Kind == KindTag
}

// ShortSHA returns the abbreviated commit hash used as an artifact tag.
func (c Context) ShortSHA() string {
	if len(c.CommitSHA) <= 7 {
		return c.CommitSHA
	}
	return c.CommitSHA[:7]
}

const (
	mainBranchRef  = "refs/heads/main"
	tagRefPrefix   = "refs/tags/"
	minCommitSHALen = 7
)

// prAction reports whether a pull_request action schedules a run.
func prAction(action string) bool {
	switch action {
	case "opened", "synchronize", "reopened":
		return true
	default:
		return false
	}
}

// Classify derives a Context from a raw event.
//
// Rules:
//   - push to the main branch -> Merge
//   - pull_request opened/synchronize against main -> PullRequest
//   - push of a tag matching v<semver> -> Tag with VersionTag set
//   - explicit manual dispatch -> Manual
//
// Anything else is rejected with a validation error, halting the run
// before any stage is scheduled. Classify has no side effects.
func Classify(ev Event) (Context, error) {
	if len(ev.CommitSHA) < minCommitSHALen {
		return Context{}, apperrors.Validation("commitSha", "commit SHA is required")
	}

	switch ev.EventType {
	case "push":
		if ev.Ref == mainBranchRef {
			return Context{Kind: KindMerge, Ref: ev.Ref, CommitSHA: ev.CommitSHA}, nil
		}
		if tag, ok := strings.CutPrefix(ev.Ref, tagRefPrefix); ok {
			version, err := parseVersionTag(tag)
			if err != nil {
				return Context{}, err
			}
			return Context{Kind: KindTag, Ref: ev.Ref, CommitSHA: ev.CommitSHA, VersionTag: version}, nil
		}
		return Context{}, apperrors.Validation("ref",
			fmt.Sprintf("unclassified push ref %q: only %s and version tags trigger runs", ev.Ref, mainBranchRef))

	case "pull_request":
		if !prAction(ev.Action) {
			return Context{}, apperrors.Validation("action",
				fmt.Sprintf("unclassified pull request action %q", ev.Action))
		}
		return Context{Kind: KindPullRequest, Ref: ev.Ref, CommitSHA: ev.CommitSHA}, nil

	case "manual":
		return Context{Kind: KindManual, Ref: ev.Ref, CommitSHA: ev.CommitSHA}, nil

	default:
		return Context{}, apperrors.Validation("eventType",
			fmt.Sprintf("unclassified event type %q", ev.EventType))
	}
}

// parseVersionTag validates a tag of the form v<semver> and returns it verbatim.
func parseVersionTag(tag string) (string, error) {
	raw, ok := strings.CutPrefix(tag, "v")
	if !ok {
		return "", apperrors.Validation("ref",
			fmt.Sprintf("unclassified tag %q: version tags must start with v", tag))
	}
	if _, err := semver.StrictNewVersion(raw); err != nil {
		return "", apperrors.Validation("ref",
			fmt.Sprintf("unclassified tag %q: %v", tag, err))
	}
	return tag, nil
}

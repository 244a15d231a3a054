// Package artifact defines the digest-addressed deployable artifact model.
package artifact

import (
	"slices"
	"sort"

	"deployer/internal/apperrors"
	"deployer/internal/environment"

	"github.com/opencontainers/go-digest"
)

// Artifact is a published, content-addressed build output.
//
// A digest, once it exists in a registry, is never reassigned to different
// bytes. Tags are mutable pointers to a digest; digest identity is the only
// thing the apply stage trusts for deployment.
type Artifact struct {
	Digest            digest.Digest    `json:"digest"`
	Tags              []string         `json:"tags"`
	SourceEnvironment environment.Name `json:"sourceEnvironment"`
}

// New creates an Artifact with a normalized, deduplicated tag set.
func New(d digest.Digest, source environment.Name, tags ...string) Artifact {
	set := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag != "" && !slices.Contains(set, tag) {
			set = append(set, tag)
		}
	}
	sort.Strings(set)
	return Artifact{Digest: d, Tags: set, SourceEnvironment: source}
}

// Validate checks the artifact is well-formed.
func (a Artifact) Validate() error {
	if err := a.Digest.Validate(); err != nil {
		return apperrors.Validation("digest", "invalid artifact digest: "+err.Error())
	}
	if len(a.Tags) == 0 {
		return apperrors.Validation("tags", "artifact has no tags")
	}
	return nil
}

// HasTag reports whether the artifact carries the given tag.
func (a Artifact) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

// FromBytes computes the canonical digest for artifact bytes.
func FromBytes(data []byte) digest.Digest {
	return digest.FromBytes(data)
}

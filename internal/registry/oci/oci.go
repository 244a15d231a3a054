// Package oci implements the registry collaborator against an OCI
// distribution registry using ORAS. The ORAS dependency is isolated here;
// callers only see the registry.Registry interface.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"deployer/internal/apperrors"
	"deployer/internal/registry"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	artifactType   = "application/vnd.deployer.artifact.v1"
	layerMediaType = "application/vnd.deployer.artifact.layer.v1"
)

// Config holds connection settings for one environment's repository.
type Config struct {
	Username  string
	Password  string
	PlainHTTP bool // local registries without TLS
}

// Repository is an ORAS-backed registry.Registry for a single repository.
//
// Artifact bytes are stored as a single layer blob so the digest handed to
// callers is the content digest of the bytes themselves; tags point at a
// packed manifest referencing that layer.
type Repository struct {
	repo *remote.Repository
}

var _ registry.Registry = (*Repository)(nil)

// New connects to the repository named by ref (e.g. "registry.local/app/dev").
func New(ref string, cfg Config) (*Repository, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid registry ref %q: %w", ref, err)
	}
	repo.PlainHTTP = cfg.PlainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if cfg.Username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	repo.Client = client

	return &Repository{repo: repo}, nil
}

// Publish pushes the bytes as a layer blob, packs a manifest around it,
// and points each tag at the manifest. Returns the layer content digest.
func (r *Repository) Publish(ctx context.Context, data []byte, tags ...string) (digest.Digest, error) {
	layerDesc := content.NewDescriptorFromBytes(layerMediaType, data)

	if err := r.repo.Blobs().Push(ctx, layerDesc, bytes.NewReader(data)); err != nil &&
		!errors.Is(err, errdef.ErrAlreadyExists) {
		return "", r.mapError("publish", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, r.repo, oras.PackManifestVersion1_1, artifactType,
		oras.PackManifestOptions{Layers: []ocispec.Descriptor{layerDesc}})
	if err != nil {
		return "", r.mapError("publish", err)
	}

	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if err := r.repo.Tag(ctx, manifestDesc, tag); err != nil {
			return "", r.mapError("tag "+tag, err)
		}
	}

	return layerDesc.Digest, nil
}

// Pull fetches the exact bytes for a content digest.
func (r *Repository) Pull(ctx context.Context, d digest.Digest) ([]byte, error) {
	desc, err := r.repo.Blobs().Resolve(ctx, d.String())
	if err != nil {
		return nil, r.mapError("resolve digest", err)
	}
	data, err := content.FetchAll(ctx, r.repo.Blobs(), desc)
	if err != nil {
		return nil, r.mapError("fetch digest", err)
	}
	return data, nil
}

// ResolveTag resolves a tag to the content digest of its artifact layer.
func (r *Repository) ResolveTag(ctx context.Context, tag string) (digest.Digest, error) {
	manifestDesc, err := r.repo.Resolve(ctx, tag)
	if err != nil {
		return "", r.mapError("resolve tag", err)
	}
	return r.layerDigest(ctx, manifestDesc)
}

// Tags lists every tag whose manifest references the given content digest.
func (r *Repository) Tags(ctx context.Context, d digest.Digest) ([]string, error) {
	var matched []string
	err := r.repo.Tags(ctx, "", func(tags []string) error {
		for _, tag := range tags {
			manifestDesc, err := r.repo.Resolve(ctx, tag)
			if err != nil {
				continue // tag deleted between list and resolve
			}
			layer, err := r.layerDigest(ctx, manifestDesc)
			if err != nil {
				continue
			}
			if layer == d {
				matched = append(matched, tag)
			}
		}
		return nil
	})
	if err != nil {
		return nil, r.mapError("list tags", err)
	}
	return matched, nil
}

// Tag points an additional tag at an existing content digest.
func (r *Repository) Tag(ctx context.Context, d digest.Digest, tag string) error {
	layerDesc, err := r.repo.Blobs().Resolve(ctx, d.String())
	if err != nil {
		return r.mapError("resolve digest", err)
	}
	layerDesc.MediaType = layerMediaType

	manifestDesc, err := oras.PackManifest(ctx, r.repo, oras.PackManifestVersion1_1, artifactType,
		oras.PackManifestOptions{Layers: []ocispec.Descriptor{layerDesc}})
	if err != nil {
		return r.mapError("pack manifest", err)
	}
	if err := r.repo.Tag(ctx, manifestDesc, tag); err != nil {
		return r.mapError("tag "+tag, err)
	}
	return nil
}

// Ready probes the repository for health checks. A missing probe tag is
// healthy: the round trip proved the registry reachable and auth valid.
func (r *Repository) Ready(ctx context.Context) error {
	_, err := r.ResolveTag(ctx, "healthz")
	if err == nil || errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// layerDigest extracts the artifact layer digest from a packed manifest.
func (r *Repository) layerDigest(ctx context.Context, manifestDesc ocispec.Descriptor) (digest.Digest, error) {
	manifestBytes, err := content.FetchAll(ctx, r.repo, manifestDesc)
	if err != nil {
		return "", r.mapError("fetch manifest", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return "", apperrors.Internal("oci.parseManifest", err)
	}
	if len(manifest.Layers) == 0 {
		return "", apperrors.NotFound("artifact layer", manifestDesc.Digest.String())
	}
	return manifest.Layers[0].Digest, nil
}

// mapError converts ORAS/registry errors into the service taxonomy.
func (r *Repository) mapError(op string, err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return apperrors.NotFound("artifact", r.repo.Reference.String())
	}
	var resp *errcode.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return apperrors.NotFound("artifact", r.repo.Reference.String())
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperrors.Denied("registry",
				fmt.Sprintf("%s on %s denied: push/pull requires write access to this repository", op, r.repo.Reference.String()))
		}
	}
	return apperrors.Internal("oci."+op, err)
}

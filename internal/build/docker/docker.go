// Package docker implements build.Builder using the Docker API.
// The image is built from a source checkout, then exported so the artifact
// bytes are content-addressable independently of the daemon.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
)

// Builder builds deployable image artifacts on the host Docker daemon.
type Builder struct {
	client    *client.Client
	config    Config
	logger    *slog.Logger
}

// NewBuilder connects to the Docker daemon.
func NewBuilder(ctx context.Context, cfg Config) (*Builder, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	b := &Builder{
		client: dockerClient,
		config: cfg.withDefaults(),
		logger: slog.With("component", "docker-builder"),
	}

	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return b, nil
}

// Build builds the image for a commit and returns the exported image tar.
// The checkout directory for the commit must already exist under SourceRoot.
func (b *Builder) Build(ctx context.Context, commitSHA string) ([]byte, error) {
	checkout := filepath.Join(b.config.SourceRoot, commitSHA)
	if _, err := os.Stat(checkout); err != nil {
		return nil, fmt.Errorf("source checkout for %s: %w", commitSHA, err)
	}

	buildContext, err := tarDirectory(checkout)
	if err != nil {
		return nil, fmt.Errorf("archive build context: %w", err)
	}

	imageRef := b.config.ImageName + ":" + commitSHA
	resp, err := b.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       []string{imageRef},
		Dockerfile: b.config.Dockerfile,
		Remove:     true,
		Labels:     map[string]string{"deployer.commit": commitSHA},
	})
	if err != nil {
		return nil, fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body); err != nil {
		return nil, fmt.Errorf("image build %s: %w", commitSHA, err)
	}

	reader, err := b.client.ImageSave(ctx, []string{imageRef})
	if err != nil {
		return nil, fmt.Errorf("image save: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("image export: %w", err)
	}

	b.logger.Info("Image built", "commit", commitSHA, "bytes", len(data))
	return data, nil
}

// Ready checks the daemon is reachable.
func (b *Builder) Ready(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (b *Builder) Close() error {
	return b.client.Close()
}

// buildMessage is one line of the daemon's build output stream.
type buildMessage struct {
	Error string `json:"error"`
}

// drainBuildOutput consumes the build stream and surfaces daemon errors.
func drainBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", strings.TrimSpace(msg.Error))
		}
	}
}

// tarDirectory archives a directory into an in-memory build context.
func tarDirectory(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

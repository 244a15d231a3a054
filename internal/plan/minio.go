package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/config"
	"deployer/internal/environment"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig holds connection settings for the durable plan store.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// LoadObjectStoreConfig loads plan store settings from environment variables.
func LoadObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Endpoint:  config.GetEnv("PLAN_STORE_ENDPOINT", "localhost:9000"),
		AccessKey: config.GetSecretFile(config.GetEnv("PLAN_STORE_ACCESS_KEY_FILE", "")),
		SecretKey: config.GetSecretFile(config.GetEnv("PLAN_STORE_SECRET_KEY_FILE", "")),
		Region:    config.GetEnv("PLAN_STORE_REGION", "us-east-1"),
		UseSSL:    config.GetEnv("PLAN_STORE_USE_SSL", "false") == "true",
		Bucket:    config.GetEnv("PLAN_STORE_BUCKET", "plans"),
	}
}

// Validate checks the config is complete.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return apperrors.Validation("endpoint", "plan store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return apperrors.Validation("endpoint", fmt.Sprintf("endpoint must not include scheme: %q", c.Endpoint))
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return apperrors.Validation("bucket", "plan store bucket is required")
	}
	return nil
}

// ObjectStore is a Store backed by an S3-compatible object store.
type ObjectStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

var _ Store = (*ObjectStore)(nil)

// NewObjectStore connects to the object store and ensures the plan bucket.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("plan store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check plan bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create plan bucket: %w", err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

func objectKey(env environment.Name, runID string) string {
	return fmt.Sprintf("plans/%s/%s.json", env, runID)
}

// Put stores a plan object, rejecting duplicates for the same key.
func (s *ObjectStore) Put(ctx context.Context, a Artifact) error {
	key := objectKey(a.Environment, a.RunID)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return apperrors.Conflict("plan", key, fmt.Sprintf("plan %s already exists", key))
	}

	data, err := json.Marshal(a)
	if err != nil {
		return apperrors.Internal("plan.encode", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return apperrors.Internal("plan.put", err)
	}
	return nil
}

// Get fetches a plan, enforcing the retention window.
func (s *ObjectStore) Get(ctx context.Context, env environment.Name, runID string) (Artifact, error) {
	key := objectKey(env, runID)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Artifact{}, apperrors.Internal("plan.get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Artifact{}, apperrors.NotFound("plan", storeKey(env, runID))
		}
		return Artifact{}, apperrors.Internal("plan.get", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, apperrors.Internal("plan.decode", err)
	}
	if a.Expired(s.now()) {
		return Artifact{}, apperrors.Expired("plan", storeKey(env, runID))
	}
	return a, nil
}

// Delete removes a consumed plan object.
func (s *ObjectStore) Delete(ctx context.Context, env environment.Name, runID string) error {
	key := objectKey(env, runID)
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.Internal("plan.delete", err)
	}
	return nil
}

// Ready checks the bucket is reachable.
func (s *ObjectStore) Ready(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

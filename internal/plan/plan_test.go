package plan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/artifact"
	"deployer/internal/environment"
	"deployer/internal/state"
)

func devEnv() environment.Environment {
	return environment.Environment{
		Name:            environment.Dev,
		RegistryRef:     "mem://dev",
		StateBackendRef: "mem://state/dev",
	}
}

func TestPlanCreateThenUpdateThenNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := state.NewMemory()
	store := NewMemoryStore()
	planner := NewPlanner(backend, store, 7*24*time.Hour)

	d1 := artifact.FromBytes([]byte("v1"))

	// Fresh environment: plan is a create.
	a, err := planner.Plan(ctx, devEnv(), "run-1", d1)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	action, target, err := DecodePayload(a)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if action != ActionCreate || target != d1 {
		t.Errorf("payload = (%s, %s), want (create, %s)", action, target, d1)
	}
	if a.TargetDigest != d1 {
		t.Errorf("TargetDigest = %s, want %s", a.TargetDigest, d1)
	}

	// Deploy d1, then plan d2: update.
	if _, err := backend.Commit(ctx, environment.Dev, state.State{DeployedDigest: d1}); err != nil {
		t.Fatal(err)
	}
	d2 := artifact.FromBytes([]byte("v2"))
	a2, err := planner.Plan(ctx, devEnv(), "run-2", d2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	action, _, _ = DecodePayload(a2)
	if action != ActionUpdate {
		t.Errorf("action = %s, want update", action)
	}

	// Planning the already-deployed digest is a noop.
	a3, err := planner.Plan(ctx, devEnv(), "run-3", d1)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	action, _, _ = DecodePayload(a3)
	if action != ActionNoop {
		t.Errorf("action = %s, want noop", action)
	}
}

func TestPlanDoesNotMutateState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := state.NewMemory()
	planner := NewPlanner(backend, NewMemoryStore(), 0)

	before, _ := backend.Read(ctx, environment.Dev)
	if _, err := planner.Plan(ctx, devEnv(), "run-1", artifact.FromBytes([]byte("v1"))); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	after, _ := backend.Read(ctx, environment.Dev)

	if before != after {
		t.Errorf("plan mutated remote state: %+v -> %+v", before, after)
	}
}

func TestPlanRejectsMalformedDigest(t *testing.T) {
	t.Parallel()
	planner := NewPlanner(state.NewMemory(), NewMemoryStore(), 0)

	_, err := planner.Plan(context.Background(), devEnv(), "run-1", "not-a-digest")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Plan() error = %v, want validation error", err)
	}
	if err != nil && !strings.Contains(err.Error(), "targetDigest") && !strings.Contains(err.Error(), "not-a-digest") {
		t.Errorf("error should name the offending parameter, got %q", err.Error())
	}
}

func TestReportDoesNotPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	planner := NewPlanner(state.NewMemory(), store, 0)

	text, err := planner.Report(ctx, devEnv(), "run-1", artifact.FromBytes([]byte("v1")))
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if !strings.Contains(text, "create deployment") {
		t.Errorf("report = %q, want create summary", text)
	}

	if _, err := store.Get(ctx, environment.Dev, "run-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() error = %v, want not found (report must not persist)", err)
	}
}

func TestStoreExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	a := Artifact{
		Environment:  environment.Dev,
		RunID:        "run-1",
		TargetDigest: artifact.FromBytes([]byte("v1")),
		CreatedAt:    time.Now().UTC(),
		ExpiresAfter: 7 * 24 * time.Hour,
	}
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := store.Get(ctx, environment.Dev, "run-1"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	store.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	if _, err := store.Get(ctx, environment.Dev, "run-1"); !errors.Is(err, apperrors.ErrExpired) {
		t.Errorf("Get() after retention error = %v, want expired", err)
	}
}

func TestStoreRejectsDuplicatePlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	a := Artifact{
		Environment:  environment.Dev,
		RunID:        "run-1",
		CreatedAt:    time.Now().UTC(),
		ExpiresAfter: time.Hour,
	}
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, a); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Put() error = %v, want conflict", err)
	}
}

func TestObjectStoreConfigValidate(t *testing.T) {
	t.Parallel()

	valid := ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "plans"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	scheme := valid
	scheme.Endpoint = "http://localhost:9000"
	if err := scheme.Validate(); err == nil {
		t.Error("expected error for scheme in endpoint")
	}

	noBucket := valid
	noBucket.Bucket = ""
	if err := noBucket.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
}

package environment

import (
	"strings"
	"testing"
)

func validEnvs() []Environment {
	return []Environment{
		{Name: Dev, RegistryRef: "registry.local/dev", StateBackendRef: "state/dev"},
		{Name: Stage, RegistryRef: "registry.local/stage", StateBackendRef: "state/stage"},
		{Name: Prod, RegistryRef: "registry.local/prod", StateBackendRef: "state/prod", RequiresApproval: true},
	}
}

func TestNewSet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func([]Environment) []Environment
		wantErr string
	}{
		{
			name:   "valid three tiers",
			mutate: func(envs []Environment) []Environment { return envs },
		},
		{
			name: "prod without approval rejected",
			mutate: func(envs []Environment) []Environment {
				envs[2].RequiresApproval = false
				return envs
			},
			wantErr: "prod must require approval",
		},
		{
			name: "dev with approval rejected",
			mutate: func(envs []Environment) []Environment {
				envs[0].RequiresApproval = true
				return envs
			},
			wantErr: "must not require approval",
		},
		{
			name: "missing registry rejected",
			mutate: func(envs []Environment) []Environment {
				envs[1].RegistryRef = ""
				return envs
			},
			wantErr: "no registry",
		},
		{
			name: "duplicate environment rejected",
			mutate: func(envs []Environment) []Environment {
				return append(envs, envs[0])
			},
			wantErr: "duplicate",
		},
		{
			name: "missing dev rejected",
			mutate: func(envs []Environment) []Environment {
				return envs[1:]
			},
			wantErr: "dev environment is required",
		},
		{
			name: "unknown tier rejected",
			mutate: func(envs []Environment) []Environment {
				envs[0].Name = "qa"
				return envs
			},
			wantErr: "unknown environment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSet(tt.mutate(validEnvs()))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewSet() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewSet() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOrdering(t *testing.T) {
	t.Parallel()

	if !Dev.Before(Stage) || !Stage.Before(Prod) || !Dev.Before(Prod) {
		t.Error("expected dev < stage < prod")
	}
	if Prod.Before(Dev) || Stage.Before(Stage) {
		t.Error("ordering is not strict")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if _, err := ParseMode("dev-only"); err != nil {
		t.Errorf("ParseMode(dev-only) error = %v", err)
	}
	if _, err := ParseMode("production"); err != nil {
		t.Errorf("ParseMode(production) error = %v", err)
	}
	if _, err := ParseMode("staging"); err == nil {
		t.Error("ParseMode(staging) expected error")
	}
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	manifest := `
mode: production
environments:
  - name: dev
    registry: registry.local/dev
    stateBackend: state/dev
  - name: stage
    registry: registry.local/stage
    stateBackend: state/stage
  - name: prod
    registry: registry.local/prod
    stateBackend: state/prod
    requiresApproval: true
`
	mode, set, err := ParseManifest([]byte(manifest))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if mode != ModeProduction {
		t.Errorf("mode = %q, want %q", mode, ModeProduction)
	}
	prod, err := set.Get(Prod)
	if err != nil {
		t.Fatalf("Get(prod) error = %v", err)
	}
	if !prod.RequiresApproval {
		t.Error("prod should require approval")
	}

	// Production mode without stage/prod tiers is invalid.
	devOnlyTiers := `
mode: production
environments:
  - name: dev
    registry: registry.local/dev
    stateBackend: state/dev
`
	if _, _, err := ParseManifest([]byte(devOnlyTiers)); err == nil {
		t.Error("expected error for production mode without stage/prod")
	}
}

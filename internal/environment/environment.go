// Package environment models the ordered deployment tiers and the
// process-wide deployment mode.
package environment

import (
	"fmt"

	"deployer/internal/apperrors"
)

// Name identifies a deployment tier.
type Name string

const (
	Dev   Name = "dev"
	Stage Name = "stage"
	Prod  Name = "prod"
)

// order defines dev < stage < prod. Only meaningful in Production mode.
var order = map[Name]int{Dev: 0, Stage: 1, Prod: 2}

// Before reports whether n precedes other in the promotion order.
func (n Name) Before(other Name) bool {
	return order[n] < order[other]
}

// Valid reports whether n is a known tier.
func (n Name) Valid() bool {
	_, ok := order[n]
	return ok
}

// Mode selects which environment set and job edges a pipeline instantiates.
// It is read once from configuration at pipeline-definition time; changing
// it is a configuration edit, never a runtime decision.
type Mode string

const (
	ModeDevOnly    Mode = "dev-only"
	ModeProduction Mode = "production"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDevOnly, ModeProduction:
		return Mode(s), nil
	default:
		return "", apperrors.Validation("mode",
			fmt.Sprintf("unknown deployment mode %q: must be %q or %q", s, ModeDevOnly, ModeProduction))
	}
}

// Environment describes one deployment tier and the external resources it owns.
type Environment struct {
	Name             Name   `yaml:"name" json:"name"`
	RegistryRef      string `yaml:"registry" json:"registry"`
	StateBackendRef  string `yaml:"stateBackend" json:"stateBackend"`
	RequiresApproval bool   `yaml:"requiresApproval" json:"requiresApproval"`
}

// Set holds the environments the service operates on, indexed by name.
type Set struct {
	byName map[Name]Environment
}

// NewSet validates and indexes a list of environments.
// Prod always requires approval; a manifest that says otherwise is rejected.
func NewSet(envs []Environment) (*Set, error) {
	byName := make(map[Name]Environment, len(envs))
	for _, env := range envs {
		if !env.Name.Valid() {
			return nil, apperrors.Validation("name", fmt.Sprintf("unknown environment %q", env.Name))
		}
		if _, dup := byName[env.Name]; dup {
			return nil, apperrors.Validation("name", fmt.Sprintf("duplicate environment %q", env.Name))
		}
		if env.RegistryRef == "" {
			return nil, apperrors.Validation("registry", fmt.Sprintf("environment %q has no registry", env.Name))
		}
		if env.StateBackendRef == "" {
			return nil, apperrors.Validation("stateBackend", fmt.Sprintf("environment %q has no state backend", env.Name))
		}
		if env.Name == Prod && !env.RequiresApproval {
			return nil, apperrors.Validation("requiresApproval", "prod must require approval")
		}
		if env.Name != Prod && env.RequiresApproval {
			return nil, apperrors.Validation("requiresApproval",
				fmt.Sprintf("environment %q must not require approval", env.Name))
		}
		byName[env.Name] = env
	}
	if _, ok := byName[Dev]; !ok {
		return nil, apperrors.Validation("name", "dev environment is required")
	}
	return &Set{byName: byName}, nil
}

// Get returns the environment for a tier.
func (s *Set) Get(name Name) (Environment, error) {
	env, ok := s.byName[name]
	if !ok {
		return Environment{}, apperrors.NotFound("environment", string(name))
	}
	return env, nil
}

// HasProductionTiers reports whether stage and prod are both configured.
func (s *Set) HasProductionTiers() bool {
	_, hasStage := s.byName[Stage]
	_, hasProd := s.byName[Prod]
	return hasStage && hasProd
}

// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the pipeline service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	Mode          string        // "dev-only" or "production"
	ManifestPath  string        // environments manifest (YAML)
	StageTimeout  time.Duration // per-stage execution budget, approval gates excepted
	PlanRetention time.Duration // saved plans expire after this window
	Reviewers     []string      // designated production approvers
	ApprovalTTL   time.Duration // 0: gates wait until the scheduler deadline

	CallbackURL        string // lifecycle event destination, empty disables
	CallbackSigningKey string

	RegistryUsername string // credentials for oci:// registries
	RegistryPassword string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		Mode:          GetEnv("DEPLOYMENT_MODE", "dev-only"),
		ManifestPath:  GetEnv("ENVIRONMENTS_FILE", "environments.yaml"),
		StageTimeout:  GetDurationEnv("STAGE_TIMEOUT", 30*time.Minute),
		PlanRetention: GetDurationEnv("PLAN_RETENTION", 7*24*time.Hour),
		Reviewers:     GetStringSliceEnv("REVIEWERS", nil),
		ApprovalTTL:   GetDurationEnv("APPROVAL_TTL", 0),

		CallbackURL:        GetEnv("CALLBACK_URL", ""),
		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),

		RegistryUsername: GetEnv("REGISTRY_USERNAME", ""),
		RegistryPassword: GetSecretFile(GetEnv("REGISTRY_PASSWORD_FILE", "")),
	}
}

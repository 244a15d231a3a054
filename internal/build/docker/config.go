package docker

import (
	"deployer/internal/config"
)

// Config holds configuration for the Docker builder.
type Config struct {
	SourceRoot string // directory containing per-commit source checkouts
	ImageName  string // local image name used for build tagging
	Dockerfile string // path within the build context (default "Dockerfile")
}

// LoadConfigFromEnv loads builder configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		SourceRoot: config.GetEnv("BUILD_SOURCE_ROOT", "/var/lib/deployer/checkouts"),
		ImageName:  config.GetEnv("BUILD_IMAGE_NAME", "deployer-app"),
		Dockerfile: config.GetEnv("BUILD_DOCKERFILE", "Dockerfile"),
	}
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.SourceRoot == "" {
		c.SourceRoot = "/var/lib/deployer/checkouts"
	}
	if c.ImageName == "" {
		c.ImageName = "deployer-app"
	}
	if c.Dockerfile == "" {
		c.Dockerfile = "Dockerfile"
	}
	return c
}

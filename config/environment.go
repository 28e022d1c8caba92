package config

import (
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
}

// AppEnvironment returns the normalised APP_ENV value, development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env is production or staging. Those
// environments refuse to start without CloudWatch or with an empty exchange set.
func IsProductionLike(env string) bool {
	return env == environmentProduction || env == environmentStaging
}

// resolveEnvSpecificPath swaps the default path for the file registered for
// the current environment. An explicitly chosen path always wins.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}
	if envPath, ok := envPaths[AppEnvironment()]; ok {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	return path
}

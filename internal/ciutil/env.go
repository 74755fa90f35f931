package ciutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/taskrelay/internal/redact"
)

// Environment variable names used across the codebase.
const (
	// CI environment detection variables
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"
	EnvJenkinsURL    = "JENKINS_URL"
	EnvCircleCI      = "CIRCLECI"

	// Integration test dependencies
	EnvTestAMQPURL     = "TASKRELAY_TEST_AMQP_URL"
	EnvTestDatabaseURL = "TASKRELAY_TEST_DATABASE_URL"
	EnvDatabaseURL     = "DATABASE_URL"

	// EnvRequireIntegration turns a missing integration dependency from a
	// skip into a failure
	EnvRequireIntegration = "TASKRELAY_REQUIRE_INTEGRATION"
)

// IsCI returns true if the current environment is a CI environment.
// It checks for common CI environment variables across different CI providers.
func IsCI() bool {
	return os.Getenv(EnvCI) != "" ||
		os.Getenv(EnvGitHubActions) != "" ||
		os.Getenv(EnvGitLabCI) != "" ||
		os.Getenv(EnvJenkinsURL) != "" ||
		os.Getenv(EnvCircleCI) != ""
}

// ciSlowdown stretches test waits on shared CI runners
const ciSlowdown = 4

// WaitTimeout returns how long a test should wait for an external
// dependency that answers within local on a developer machine.
func WaitTimeout(local time.Duration) time.Duration {
	if IsCI() {
		return local * ciSlowdown
	}
	return local
}

// GetEnvWithFallbacks returns the value of the first non-empty environment variable
// from the provided list. If no environment variables are set, it returns the defaultValue.
// Falling back past the first name is logged with the value redacted.
func GetEnvWithFallbacks(envVars []string, defaultValue string, logger *slog.Logger) string {
	for i, envVar := range envVars {
		if val := os.Getenv(envVar); val != "" {
			if i > 0 && logger != nil {
				logger.Warn("using fallback environment variable",
					"used_var", envVar,
					"preferred_var", envVars[0],
					"value", redact.URL(val),
				)
			}
			return val
		}
	}
	return defaultValue
}

// IntegrationURL returns the URL of an integration test dependency from the
// first set variable in envVars. When none is set the test is skipped, or
// fails if EnvRequireIntegration is set, so CI cannot pass by silently
// skipping.
func IntegrationURL(t testing.TB, envVars ...string) string {
	t.Helper()

	if url := GetEnvWithFallbacks(envVars, "", nil); url != "" {
		return url
	}
	if os.Getenv(EnvRequireIntegration) != "" {
		t.Fatalf("%v not set but %s is", envVars, EnvRequireIntegration)
	}
	t.Skipf("%v not set, skipping integration test", envVars)
	return ""
}

// Package ciutil detects CI environments and resolves the external
// dependencies of integration tests from environment variables.
package ciutil

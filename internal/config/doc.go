// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, files). It provides type-safe
// access to the settings of the producer server and the worker while keeping
// configuration details separate from the task distribution logic.
package config

// Package config provides centralized configuration management for the
// OpenACP control plane, covering the API server, governance models, storage
// backends, the sandbox runtime and the flight recorder. Configuration is
// loaded from a JSON file whose path may come from the OPENACP_CONFIG
// environment variable.
package config

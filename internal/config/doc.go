// Package config provides centralized configuration management for the
// AgentVault runtime, covering storage backends, event transport, treasury
// guardrails and logging. Values come from a single JSON file with typed
// defaults applied at load time.
package config

// Package config loads the agents' JSON configuration. Secrets are
// referenced as ${ENV_VAR} placeholders and expanded at load time so the
// config file itself can be committed without credentials.
package config

// Package config loads vaultlink settings and the static credential vault
// from YAML files.
//
// Values in a config file override the service defaults; command-line flags
// override the file. Durations use Go syntax ("30s", "5m"). Secrets other
// than vault entries never live in these files: the session file
// passphrase comes from the environment.
package config

// Package config provides configuration types and loading for the
// traffic-control plane.
//
// # Features
//
//   - YAML configuration file loading
//   - Environment variable substitution with ${VAR:-default} syntax
//   - Defaults for every optional field
//   - Struct-tag validation plus cross-field checks
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("avatraffic.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// Tenant profiles are loaded once at startup and never reloaded; a
// profile change requires a restart.
package config

// Package config provides configuration management for the AGYC orchestrator.
//
// Configuration has two layers: process-level settings come from environment
// variables, while the worker roster and dispatcher parameters come from a
// YAML or JSON file. All values have sensible defaults for development use.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	roster, err := config.LoadRoster(cfg.RosterFile)
package config

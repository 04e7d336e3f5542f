// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from a YAML file, PYBOX_* environment variables and command
// line flags. It covers server transport, logging, sandbox limits, the warm
// pool, package installation and telemetry.
//
// Usage:
//
//	cfg, err := config.Load("", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox image: %s\n", cfg.Sandbox.Image)
package config

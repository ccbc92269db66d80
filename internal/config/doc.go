// Package config provides configuration management for the orchestrator.
//
// Configuration is loaded from environment variables using the env package,
// with an optional YAML overlay file named by CLAUDEOPS_CONFIG_FILE. All
// values have sensible defaults for local use.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config

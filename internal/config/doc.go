// Package config loads agentpipe configuration.
//
// Values come from environment variables, optionally seeded from a .env
// file in the working directory. Every value has a default suitable for
// local development; the defaults expect a Redis server for the job queue.
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

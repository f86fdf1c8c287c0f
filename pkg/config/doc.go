// Package config provides configuration management for pointstream.
//
// # Key Features
//
// - Config: single structure covering the engine, pool, codec, index and observability
// - Environment variable substitution with ${VAR_NAME} syntax
// - POINTSTREAM_* overrides applied with ApplyEnv
// - Automatic defaults and validation
//
// # Usage
//
//	cfg, err := config.Load("pointstream.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Global settings
//
// The Global section is special: it becomes the construction parameters of
// the dataset cache and can be installed only once per process. A second
// engine.Init with different values fails with ErrAlreadyInitialized.
package config

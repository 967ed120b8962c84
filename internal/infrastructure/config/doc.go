// Package config loads and validates fleetd configuration.
//
// Configuration comes from three layers, later layers overriding earlier:
// hardcoded defaults, a YAML file, and FLEETD_* environment variables.
// Load returns a fully validated Config; a controller never starts with a
// missing admin secret or nonsensical retention thresholds.
package config

// Package config loads, validates, and normalizes unpackd configuration.
package config

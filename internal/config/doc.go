// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Every duration field accepts Go duration strings ("1s", "5m").
package config

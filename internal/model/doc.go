// Package model defines the shared domain types for terminal synchronization.
//
// Conventions:
//   - Wire names follow the terminal protocol (camelCase JSON tags)
//   - Prices and volumes: float64 as sent by the terminal
//   - Timestamps: time.Time decoded from RFC 3339 strings
//   - Streams are identified by (account, instance, host)
package model

// Package storage persists terminal job runs and domain events for
// administrative inspection, and backs the persistent scheduling provider.
//
// Drivers:
//   - "file": dependency-free JSON Lines audit files
//   - "sqlite": SQLite database; also stores durable triggers
//   - "redis": trigger store only, for several workers sharing one schedule
package storage

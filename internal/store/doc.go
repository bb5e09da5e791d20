// Package store provides the durable state shared by the dispatcher and every
// worker task.
//
// The store holds three tables:
//   - processed_scenes: one row per scene taken from inventory, with its state
//   - completed_tiles: one row per successfully built tile
//   - inventory_scenes: delivered L2 products with archive location and footprint
//
// # Idempotency
//
// Every insert uses ON CONFLICT DO NOTHING keyed on the natural identifier
// (product id, tile id). Writers never assume exclusive ownership of a row;
// a duplicate insert from a concurrent or restarted task is silently ignored.
//
// # Drivers
//
// Connection strings beginning with postgres:// (or containing host= / dbname=)
// open PostgreSQL through lib/pq. Anything else is treated as a SQLite path,
// optionally prefixed with sqlite3://. SQLite is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Queries are written with ? placeholders and rebound to $N for PostgreSQL.
// Schema changes are goose migrations embedded in the binary.
package store

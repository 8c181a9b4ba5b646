// Package testdb provides databases and a controllable clock for store and
// service tests. SQLite databases live in a per-test temp directory;
// PostgreSQL tests are skipped unless DATABASE_URL is set.
package testdb

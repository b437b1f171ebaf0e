// Package stores keeps a SQLite journal of configurator runs: one row per
// run and one row per applied resource. Migrations are embedded and applied
// with golang-migrate. The journal is history only; reconciliation always
// reads live state from the host.
package stores

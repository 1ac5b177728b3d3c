// Package store defines interfaces for persistence dependencies beyond the
// publication tables (e.g. run history). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store

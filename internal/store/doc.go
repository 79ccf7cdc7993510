// Package store persists the controller's protocol event ledger.
//
// # Overview
//
// Every domain event the controller publishes (check-ins, dispatched
// commands, collected responses, dropped notifications) can be recorded
// in a SQLite database through modernc.org/sqlite, which needs no cgo.
// The ledger is an audit trail next to the per-agent hist.dat transcript;
// it is optional and enabled by setting database.path.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/smbctl/ledger.db")
//	defer s.Close()
//	go s.Record(ctx, sub)
//
// # Schema
//
//	events(event_id, kind, project, agent, text, timestamp)
//
// Indexed by (project, agent, timestamp) for per-agent listings.
package store

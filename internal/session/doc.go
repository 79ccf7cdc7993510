// Package session tracks which agents belong to which project.
//
// # Registry
//
// The Registry is built once by Scan and then mutated only by check-in
// events coming from the watcher:
//
//	reg, err := session.Scan(root, logger)
//	reg.ApplyCheckIn("ProjectA", "HOST1-AA:BB:CC:DD:EE:FF")
//
// ApplyCheckIn replaces the project's whole agent set with the single
// agent that just checked in. Sibling agents of that project disappear
// from the registry until the next restart scan. This mirrors what the
// deployed agents expect and is kept deliberately.
//
// # Lifecycle
//
// Each agent moves through
//
//	Unknown -> Registered -> CommandPending -> CommandCompleted
//
// Registered is entered by Scan or ApplyCheckIn, CommandPending by
// MarkPending just before a command is written, and CommandCompleted by
// MarkCompleted when the exec file disappears. CancelPending undoes
// MarkPending when the write fails. A completed agent returns to
// CommandPending on the next dispatch.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Snapshot returns a deep copy so
// readers never observe a check-in that is half applied.
package session

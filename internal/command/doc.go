// Package command writes commands to agents and collects their responses.
//
// # Dispatch
//
// Dispatcher.Exec truncates and rewrites each target's exec.dat with the
// command text. It does not wait: the agent deletes exec.dat once it has
// run the command, and that deletion is what the watcher reports as
// completion.
//
// A permission failure stops the batch. Shared-folder servers often run
// as root and create files the operator cannot overwrite, so the returned
// PermissionError carries a remediation hint naming the share.
//
// # Collection
//
// Collector.Collect reads output.dat after completion, publishes it, and
// appends it to hist.dat unless history is disabled. Agents that write the
// response as output.dat.tmp and rename it into place give the collector a
// consistent read; for agents that write in place, Collect waits for the
// file size to settle before reading.
package command

// Package shell is the operator's command loop.
//
// The shell reads one command per line, runs it synchronously against the
// session registry and the share, and prints results. A background
// subscription to the event broadcaster prints check-ins and collected
// responses as they arrive, interleaved with command output under one
// writer lock.
//
// Commands:
//
//	agents   [--active[=SECS]] [--find TEXT] [--list] [--selected]
//	selected [AGENT...] [--add A,B] [--remove A,B] [--clear]
//	checkin | path | sysinfo
//	status
//	exec <cmd> | execall <cmd>
//	plugins  [--list] [--add P,Q] [--remove P,Q]
//	history  [--html FILE]
//	events   [--limit N]
//	help | exit
//
// AGENT arguments are either indexes into the last agents listing or
// full agent ids.
package shell

// Package controller assembles the smbctl components around one share.
//
// # Overview
//
// New scans the share, builds the registry, resolver, broadcaster,
// dispatcher, collector, watcher, plugin distributor, and the optional
// ledger and metrics listener. Run starts the background actors and then
// hands the terminal to the shell:
//
//	┌──────────┐ notifications ┌──────────┐ transitions ┌──────────┐
//	│ fsnotify │──────────────►│ Watcher  │────────────►│ Registry │
//	│  + poll  │               └────┬─────┘             └────▲─────┘
//	└──────────┘                    │ Collect                │ reads
//	                           ┌────▼─────┐   events    ┌────┴─────┐
//	                           │Collector │────────────►│  Shell   │
//	                           └──────────┘ Broadcaster └──────────┘
//
// The watcher is the only writer of check-ins. The shell reads the
// registry and writes exec files through the dispatcher.
//
// # HTTP
//
// When metrics are enabled a listener on metrics.addr serves:
//
//	/metrics        Prometheus counters (path configurable)
//	/health         200 OK while running
//	/health/ready   200 once at least one agent is registered
package controller

// Package config handles configuration loading for smbctl.
//
// # Overview
//
// Configuration is optional. Without a file the controller runs on
// Default() values and takes the share root from the command line.
// Files may be YAML (.yaml, .yml) or TOML (.toml); the format follows
// the extension.
//
// # Configuration File
//
// Locations (first match wins):
//
//  1. The --config flag
//  2. Path from SMBCTL_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/smbctl/config.yaml (or ~/.config/smbctl/config.yaml)
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	share:
//	  root: "${SMBCTL_SHARE}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	share:
//	  root: "/srv/smb/share"
//	  no_history: false
//	liveness:
//	  timeout: "20s"
//	plugins:
//	  catalog_dir: "plugins"
//	watcher:
//	  poll_interval: "0s"     # >0 enables the polling safety net
//	  dedupe_window: "2s"
//	  settle_delay: "100ms"
//	  settle_attempts: 5
//	database:
//	  path: ""                # empty disables the event ledger
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text, json
//	metrics:
//	  enabled: false
//	  addr: "localhost:9464"
//	  path: "/metrics"
//
// # Validation
//
// Load does not require share.root because the command line may supply
// it. Call Validate after applying overrides.
package config

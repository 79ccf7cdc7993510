// Package share describes the on-disk layout of the shared folder.
//
// # Layout
//
// Every agent owns one directory under its project:
//
//	<root>/<project>/<hostname>-<MAC>/
//	    checkin.dat  existence triggers registration
//	    ping.dat     heartbeat, only the mtime is read
//	    exec.dat     command request, deletion signals completion
//	    output.dat   command response
//	    info.dat     system-info snapshot
//	    path.dat     agent-declared writable UNC path
//	    hist.dat     append-only transcript
//	    plugins/     installed plugin files
//
// # Agent identifiers
//
// An agent id is "<hostname>-<MAC>" where the MAC is always the trailing
// 17 characters in colon-hex form. Hostnames may themselves contain hyphens,
// so ParseAgentID splits on the fixed-width suffix rather than on the last
// hyphen.
package share

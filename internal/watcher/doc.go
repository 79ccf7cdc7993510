// Package watcher turns filesystem notifications under the share root into
// protocol transitions.
//
// Only two notifications matter:
//
//   - creation of <project>/<agent>/checkin.dat is a check-in and is applied
//     to the session registry
//   - removal of <project>/<agent>/exec.dat means the agent consumed its
//     command, and the response is collected
//
// Everything else is ignored. Paths that do not fit the layout are logged
// and dropped; nothing a single notification contains can stop the loop.
//
// fsnotify is not recursive, so the watcher adds the root, every project
// directory and every agent directory, and extends the set as new
// directories appear. Network mounts frequently never deliver remote
// changes to the local kernel, so an optional poll compares the protocol
// files on disk against what the watcher last saw and synthesizes the
// missing notifications. If fsnotify cannot start at all, polling is the
// only source.
package watcher

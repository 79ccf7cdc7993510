// ABOUTME: Synchronizes plugin files between the central catalog and agent plugin dirs.
// ABOUTME: Adds are filtered to the catalog, removes skip absent files, digests flag stale copies.

// Package plugins distributes auxiliary payload files to agents.
package plugins

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/smbctl/internal/share"
)

// State is a catalog entry's condition in one agent's plugin directory.
type State string

const (
	StateAbsent    State = "absent"
	StateInstalled State = "installed"
	StateStale     State = "stale" // present but differs from the catalog copy
)

// Entry is one catalog plugin as seen from an agent.
type Entry struct {
	Name  string
	State State
}

// Installed reports whether the plugin file exists for the agent.
func (e Entry) Installed() bool {
	return e.State != StateAbsent
}

// Distributor copies plugins from catalogDir into agents' plugin dirs.
type Distributor struct {
	catalogDir string
	resolver   *share.Resolver
	logger     *slog.Logger
}

// NewDistributor creates a Distributor over catalogDir.
func NewDistributor(catalogDir string, resolver *share.Resolver, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{
		catalogDir: catalogDir,
		resolver:   resolver,
		logger:     logger.With("component", "plugins"),
	}
}

// List returns the sorted file names in the catalog directory. The
// listing is not recursive. A missing catalog is an empty catalog.
func (d *Distributor) List() ([]string, error) {
	return listFiles(d.catalogDir)
}

// Sync makes sure the agent's plugin directory exists, removes the named
// plugins that are present, and copies in the added plugins that exist in
// the catalog. Unknown names in add are dropped. It returns the catalog
// marked against the agent's directory after the sync.
func (d *Distributor) Sync(project, agent string, add, remove []string) ([]Entry, error) {
	catalog, err := d.List()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(catalog))
	for _, name := range catalog {
		known[name] = true
	}

	dir := d.resolver.Path(project, agent, share.RolePluginDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating plugin dir: %w", err)
	}

	for _, name := range remove {
		if !validName(name) {
			continue
		}
		err := os.Remove(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("removing plugin %s: %w", name, err)
		}
		d.logger.Info("plugin removed", "project", project, "agent", agent, "plugin", name)
	}

	for _, name := range add {
		if !known[name] {
			d.logger.Debug("ignoring unknown plugin", "plugin", name)
			continue
		}
		if err := copyFile(filepath.Join(d.catalogDir, name), filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("installing plugin %s: %w", name, err)
		}
		d.logger.Info("plugin installed", "project", project, "agent", agent, "plugin", name)
	}

	return d.Status(project, agent)
}

// Status marks every catalog entry against the agent's plugin directory.
func (d *Distributor) Status(project, agent string) ([]Entry, error) {
	catalog, err := d.List()
	if err != nil {
		return nil, err
	}
	dir := d.resolver.Path(project, agent, share.RolePluginDir)

	entries := make([]Entry, 0, len(catalog))
	for _, name := range catalog {
		e := Entry{Name: name, State: StateAbsent}
		installed := filepath.Join(dir, name)
		if _, err := os.Stat(installed); err == nil {
			e.State = StateInstalled
			same, err := sameContent(filepath.Join(d.catalogDir, name), installed)
			if err != nil {
				d.logger.Warn("comparing plugin", "plugin", name, "error", err)
			} else if !same {
				e.State = StateStale
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Installed returns the sorted names present in the agent's plugin directory.
func (d *Distributor) Installed(project, agent string) ([]string, error) {
	return listFiles(d.resolver.Path(project, agent, share.RolePluginDir))
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// validName rejects names that would escape the plugin directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Digest returns the BLAKE2b-256 of the file at path, hex encoded.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sameContent(a, b string) (bool, error) {
	da, err := Digest(a)
	if err != nil {
		return false, err
	}
	db, err := Digest(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

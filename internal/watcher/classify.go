// ABOUTME: Pure classification of raw file notifications into check-in and completion transitions.
// ABOUTME: Malformed paths come back as share.ParseError so the caller can log and drop them.

package watcher

import (
	"path/filepath"

	"github.com/2389/smbctl/internal/share"
)

// Op is the part of a filesystem notification the protocol cares about.
type Op int

const (
	OpCreate Op = iota + 1
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	default:
		return "other"
	}
}

// Notification is a normalized filesystem event.
type Notification struct {
	Op   Op
	Path string
}

func (n Notification) key() string {
	return n.Op.String() + ":" + n.Path
}

func (n Notification) opposite() Notification {
	switch n.Op {
	case OpCreate:
		return Notification{Op: OpRemove, Path: n.Path}
	case OpRemove:
		return Notification{Op: OpCreate, Path: n.Path}
	}
	return n
}

// TransitionKind names a protocol transition.
type TransitionKind int

const (
	TransitionCheckIn TransitionKind = iota + 1
	TransitionCompletion
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionCheckIn:
		return "check_in"
	case TransitionCompletion:
		return "completion"
	default:
		return "none"
	}
}

// Transition is a classified notification.
type Transition struct {
	Kind    TransitionKind
	Project string
	Agent   string
}

// Classify maps n to a transition. ok is false for notifications the
// protocol ignores; err is a *share.ParseError when a relevant file name
// appears at a path that does not fit the layout.
func Classify(root string, n Notification) (t Transition, ok bool, err error) {
	var kind TransitionKind
	switch base := share.Role(filepath.Base(n.Path)); {
	case n.Op == OpCreate && base == share.RoleCheckIn:
		kind = TransitionCheckIn
	case n.Op == OpRemove && base == share.RoleExec:
		kind = TransitionCompletion
	default:
		return Transition{}, false, nil
	}

	ep, err := share.ParseEventPath(root, n.Path)
	if err != nil {
		return Transition{}, false, err
	}
	return Transition{Kind: kind, Project: ep.Project, Agent: ep.Agent}, true, nil
}

// ABOUTME: Ordered set of operator-selected agent ids
// ABOUTME: Keeps insertion order so listings and dispatch are stable

package shell

type selection struct {
	order []string
	set   map[string]bool
}

func newSelection() *selection {
	return &selection{set: make(map[string]bool)}
}

func (s *selection) add(agent string) {
	if s.set[agent] {
		return
	}
	s.set[agent] = true
	s.order = append(s.order, agent)
}

// remove reports whether agent was selected.
func (s *selection) remove(agent string) bool {
	if !s.set[agent] {
		return false
	}
	delete(s.set, agent)
	for i, a := range s.order {
		if a == agent {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *selection) clear() {
	s.order = nil
	s.set = make(map[string]bool)
}

func (s *selection) list() []string {
	return append([]string(nil), s.order...)
}

func (s *selection) empty() bool {
	return len(s.order) == 0
}

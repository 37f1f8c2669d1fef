package room

// MembershipSet is an insertion-ordered set of participant ids. It is owned
// by one Coordinator and only touched on its endpoint loop.
type MembershipSet struct {
	order []string
	index map[string]struct{}
}

func NewMembershipSet(ids ...string) *MembershipSet {
	s := &MembershipSet{index: make(map[string]struct{})}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add reports whether id was not already present.
func (s *MembershipSet) Add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Remove reports whether id was present.
func (s *MembershipSet) Remove(id string) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *MembershipSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *MembershipSet) Len() int { return len(s.order) }

// Snapshot returns a copy of the members in insertion order.
func (s *MembershipSet) Snapshot() []string {
	return append([]string(nil), s.order...)
}

// Replace makes the set equal to ids, keeping their order, and returns what
// changed.
func (s *MembershipSet) Replace(ids []string) (added, removed []string) {
	next := NewMembershipSet(ids...)
	for _, id := range s.order {
		if !next.Contains(id) {
			removed = append(removed, id)
		}
	}
	for _, id := range next.order {
		if !s.Contains(id) {
			added = append(added, id)
		}
	}
	*s = *next
	return added, removed
}

package state

// IndexSet is an ordered set of protection indexes with O(1) add, remove and
// membership. Removal swaps the last element into the hole, so iteration order is
// insertion order perturbed only by removals, and identical for identical histories.
type IndexSet struct {
	values    []uint64
	positions map[uint64]int
}

func NewIndexSet() *IndexSet {
	return &IndexSet{positions: make(map[uint64]int)}
}

// Add returns false if idx was already present.
func (s *IndexSet) Add(idx uint64) bool {
	if _, ok := s.positions[idx]; ok {
		return false
	}
	s.positions[idx] = len(s.values)
	s.values = append(s.values, idx)
	return true
}

// Remove returns false if idx was absent.
func (s *IndexSet) Remove(idx uint64) bool {
	pos, ok := s.positions[idx]
	if !ok {
		return false
	}
	last := len(s.values) - 1
	if pos != last {
		moved := s.values[last]
		s.values[pos] = moved
		s.positions[moved] = pos
	}
	s.values = s.values[:last]
	delete(s.positions, idx)
	return true
}

func (s *IndexSet) Contains(idx uint64) bool {
	_, ok := s.positions[idx]
	return ok
}

func (s *IndexSet) Len() int {
	return len(s.values)
}

// Values returns a copy safe to iterate while mutating the set.
func (s *IndexSet) Values() []uint64 {
	out := make([]uint64, len(s.values))
	copy(out, s.values)
	return out
}

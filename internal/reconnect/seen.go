package reconnect

// SeenSet remembers the most recent message ids in a fixed-size ring.
// When full, adding an id evicts the oldest one, so a duplicate older
// than the window can slip through.
type SeenSet struct {
	ring  []string
	index map[string]struct{}
	head  int // next write position
	full  bool
}

// NewSeenSet creates a set holding at most size ids.
func NewSeenSet(size int) *SeenSet {
	if size <= 0 {
		size = 200
	}
	return &SeenSet{
		ring:  make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

// Contains reports whether id is in the window.
func (s *SeenSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *SeenSet) Add(id string) bool {
	if s.Contains(id) {
		return false
	}
	if s.full {
		// Overwrite: drop the oldest id
		delete(s.index, s.ring[s.head])
	}
	s.ring[s.head] = id
	s.index[id] = struct{}{}
	s.head = (s.head + 1) % len(s.ring)
	if s.head == 0 {
		s.full = true
	}
	return true
}

// Len returns the number of ids in the window.
func (s *SeenSet) Len() int {
	return len(s.index)
}

// Capacity returns the maximum number of ids.
func (s *SeenSet) Capacity() int {
	return len(s.ring)
}

package conn

// idSet records the message ids received from one sender. Ids are assigned from a counter
// starting at 1, so the contiguous prefix collapses into a single watermark.
type idSet struct {
	low   uint64 // every id <= low was seen
	above map[uint64]struct{}
}

func newIDSet() *idSet {
	return &idSet{above: make(map[uint64]struct{})}
}

// add records id and reports whether it was new.
func (s *idSet) add(id uint64) bool {
	if id <= s.low {
		return false
	}
	if _, ok := s.above[id]; ok {
		return false
	}
	s.above[id] = struct{}{}
	for {
		if _, ok := s.above[s.low+1]; !ok {
			break
		}
		delete(s.above, s.low+1)
		s.low++
	}
	return true
}

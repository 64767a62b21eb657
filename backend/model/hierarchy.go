package model

// Hierarchy is the succession order of a room. The first peer is the
// current admin, the next one takes over when it fails, and so on.
// Peers are appended in the order the admin accepted them.
type Hierarchy []Peer

// Push appends p unless it is already present.
func (h *Hierarchy) Push(p Peer) bool {
	if h.Contains(p) {
		return false
	}
	*h = append(*h, p)
	return true
}

// Remove deletes p and reports whether it was present.
func (h *Hierarchy) Remove(p Peer) bool {
	for i, q := range *h {
		if q == p {
			*h = append((*h)[:i:i], (*h)[i+1:]...)
			return true
		}
	}
	return false
}

// NextLeader drops the current leader and returns its successor.
// It returns false if no successor is left.
func (h *Hierarchy) NextLeader() (Peer, bool) {
	if len(*h) == 0 {
		return Peer{}, false
	}
	*h = (*h)[1:]
	return h.Leader()
}

func (h Hierarchy) Leader() (Peer, bool) {
	if len(h) == 0 {
		return Peer{}, false
	}
	return h[0], true
}

func (h Hierarchy) Contains(p Peer) bool {
	for _, q := range h {
		if q == p {
			return true
		}
	}
	return false
}

func (h Hierarchy) Len() int {
	return len(h)
}

func (h Hierarchy) Clone() Hierarchy {
	if h == nil {
		return nil
	}
	c := make(Hierarchy, len(h))
	copy(c, h)
	return c
}

package session

// Namer assigns per-session attachment sequence numbers. The sequence starts
// at 0, increments once per accepted attachment, and resets when a new
// session begins. Uniqueness holds within one task; the task id is the outer
// namespace.
type Namer struct {
	seq int
}

func (n *Namer) Next() int {
	return n.seq
}

func (n *Namer) Advance() {
	n.seq++
}

func (n *Namer) Reset() {
	n.seq = 0
}

package launch

// PendingRegion is one guest memory region awaiting commitment to the
// encryption context. Data is a borrowed view of externally mapped guest
// memory; the queue never copies or frees it.
type PendingRegion struct {
	GPA  uint64
	Data []byte
	Type PageType
}

// regionQueue holds regions in FIFO order. Commit order is part of the
// measurement, so the queue never reorders.
type regionQueue struct {
	regions []PendingRegion
}

func (q *regionQueue) enqueue(r PendingRegion) {
	q.regions = append(q.regions, r)
}

// drain returns the queued regions in enqueue order and empties the queue.
func (q *regionQueue) drain() []PendingRegion {
	regions := q.regions
	q.regions = nil
	return regions
}

package playback

// sourceHeap implements [container/heap.Interface] as a min-heap of pending
// sources ordered by start frame, with FIFO tie-breaking on seq.
type sourceHeap []*streamSource

func (h sourceHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j.
func (h sourceHeap) Less(i, j int) bool {
	if h[i].startFrame != h[j].startFrame {
		return h[i].startFrame < h[j].startFrame
	}
	return h[i].seq < h[j].seq
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push].
func (h *sourceHeap) Push(x any) {
	*h = append(*h, x.(*streamSource))
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

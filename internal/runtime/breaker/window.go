package breaker

// window is a fixed-size ring of outcomes. Adding to a full ring evicts the
// oldest entry, so failures always counts only what is still in the ring.
type window struct {
	outcomes []bool
	head     int
	count    int
	failures int
}

func newWindow(size int) *window {
	return &window{outcomes: make([]bool, size)}
}

func (w *window) add(failed bool) {
	size := len(w.outcomes)
	if w.count == size {
		if w.outcomes[w.head] {
			w.failures--
		}
		w.outcomes[w.head] = failed
		w.head = (w.head + 1) % size
	} else {
		w.outcomes[(w.head+w.count)%size] = failed
		w.count++
	}
	if failed {
		w.failures++
	}
}

func (w *window) reset() {
	for i := range w.outcomes {
		w.outcomes[i] = false
	}
	w.head, w.count, w.failures = 0, 0, 0
}

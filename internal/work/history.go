package work

import "sync"

// history keeps the most recently finished items.
type history struct {
	mu    sync.Mutex
	items []*Item
	head  int
	count int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 100
	}
	return &history{items: make([]*Item, size)}
}

func (h *history) push(item *Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[h.head] = item
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// recent returns up to n items, newest first. n <= 0 means all.
func (h *history) recent(n int) []*Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]*Item, n)
	for i := 0; i < n; i++ {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out[i] = h.items[idx]
	}
	return out
}

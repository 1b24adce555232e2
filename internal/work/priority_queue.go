package work

// priorityQueue is a max-heap of pending items by Priority, FIFO by
// CreatedAt within a priority. Items track their heap index so Cancel can
// remove them without a scan.
type priorityQueue []*Item

// Len returns the number of items in the queue.
func (pq priorityQueue) Len() int { return len(pq) }

// Less reports whether item i should be popped before item j.
// Higher priority first; for equal priority, earlier creation time first.
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority // Higher priority first
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt) // Earlier first (FIFO)
}

// Swap swaps the items at indices i and j.
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIndex = i
	pq[j].heapIndex = j
}

// Push adds an item to the queue.
func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*Item)
	item.heapIndex = n
	*pq = append(*pq, item)
}

// Pop removes and returns the highest priority item.
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil      // avoid memory leak
	item.heapIndex = -1 // mark as removed
	*pq = old[0 : n-1]
	return item
}

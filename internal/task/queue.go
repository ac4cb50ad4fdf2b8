package task

import "container/heap"

type readyItem struct {
	handle Handle
	depth  uint8
	seq    uint64
}

// readyQueue orders tasks by ascending depth, then by insertion order.
type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].depth != q[j].depth {
		return q[i].depth < q[j].depth
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyItem)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

func (q *readyQueue) push(it readyItem) { heap.Push(q, it) }

func (q *readyQueue) pop() (readyItem, bool) {
	if q.Len() == 0 {
		return readyItem{}, false
	}
	return heap.Pop(q).(readyItem), true
}

package ann

type candidate struct {
	pos  int
	dist float32
}

// minQueue pops the closest candidate first.
type minQueue []candidate

func (q minQueue) Len() int { return len(q) }
func (q minQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q minQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x any) { *q = append(*q, x.(candidate)) }
func (q *minQueue) Pop() any { return pop((*[]candidate)(q)) }

// maxQueue keeps the farthest candidate at the root.
type maxQueue []candidate

func (q maxQueue) Len() int { return len(q) }
func (q maxQueue) Less(i, j int) bool { return q[i].dist > q[j].dist }
func (q maxQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *maxQueue) Push(x any) { *q = append(*q, x.(candidate)) }
func (q *maxQueue) Pop() any { return pop((*[]candidate)(q)) }

func pop(s *[]candidate) candidate {
	old := *s
	n := len(old)
	c := old[n-1]
	*s = old[:n-1]
	return c
}

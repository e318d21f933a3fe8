package s2s

// pendingQueue holds outbound messages while a session is not yet open.
// It exists only in the disconnected and connecting states; Core drops its
// reference once the queue has been drained after the setup message.
type pendingQueue struct {
	msgs []Message
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{msgs: make([]Message, 0, 16)}
}

// push appends msg at the tail.
func (q *pendingQueue) push(msg Message) {
	q.msgs = append(q.msgs, msg)
}

// drain returns every queued message in enqueue order and empties the queue.
func (q *pendingQueue) drain() []Message {
	out := q.msgs
	q.msgs = nil
	return out
}

// len returns the number of queued messages.
func (q *pendingQueue) len() int {
	return len(q.msgs)
}

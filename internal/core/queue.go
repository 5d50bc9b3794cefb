package core

import "container/list"

// queueElem is the bookkeeping container/list needs to give RequestRecord
// O(1) removal by identity without a linear scan (spec.md §4.2).
type queueElem struct {
	el     *list.Element
	record *RequestRecord
}

// waiterQueue is a FIFO sequence of RequestRecords with O(1) enqueue-tail,
// dequeue-head, and removal by identity; removal by predicate walks the
// whole queue. One exists per (lock, waiter-class) pair.
type waiterQueue struct {
	l *list.List
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{l: list.New()}
}

// pushBack enqueues rec at the tail and links it for later O(1) removal.
func (q *waiterQueue) pushBack(rec *RequestRecord) {
	qe := &queueElem{record: rec}
	qe.el = q.l.PushBack(qe)
	rec.elem = qe
}

// popFront dequeues and returns the head record, or nil if empty.
func (q *waiterQueue) popFront() *RequestRecord {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	return q.remove(front.Value.(*queueElem))
}

// remove unlinks qe from the queue and clears the record's back-pointer so
// a later timer or disconnect sweep sees it as no longer queued.
func (q *waiterQueue) remove(qe *queueElem) *RequestRecord {
	q.l.Remove(qe.el)
	rec := qe.record
	rec.elem = nil
	return rec
}

// removeRecord removes rec if it is still linked into this queue. It is a
// no-op (and returns false) if rec was already dequeued — the case a late
// timer fire or a racing grant produces.
func (q *waiterQueue) removeRecord(rec *RequestRecord) bool {
	if rec == nil || rec.elem == nil {
		return false
	}
	q.remove(rec.elem)
	return true
}

// removeWhere removes every record matching pred, in FIFO order, and
// returns them. Used for bulk disconnect cleanup (spec.md §4.1
// disconnectCleanup).
func (q *waiterQueue) removeWhere(pred func(*RequestRecord) bool) []*RequestRecord {
	var removed []*RequestRecord
	for el := q.l.Front(); el != nil; {
		next := el.Next()
		qe := el.Value.(*queueElem)
		if pred(qe.record) {
			removed = append(removed, q.remove(qe))
		}
		el = next
	}
	return removed
}

func (q *waiterQueue) empty() bool {
	return q.l.Len() == 0
}

func (q *waiterQueue) len() int {
	return q.l.Len()
}

package modbus

import "time"

// inflightEntry is one outstanding streaming-transport transaction: its id
// and the deadline at which it should be considered dropped.
type inflightEntry struct {
	transactionID uint16
	deadline      time.Time
}

// inflightWindow is the ordered record of outstanding streaming-transport
// transactions, in send order (which is not necessarily deadline order).
// Only the head's deadline arms the timeout timer. Linear scans are
// acceptable: the window is expected to hold at most a handful of entries
// at a time (see streaming_worker.go's pacing model).
type inflightWindow struct {
	entries []inflightEntry
}

func newInflightWindow() *inflightWindow {
	return &inflightWindow{entries: make([]inflightEntry, 0, 8)}
}

// push records a newly-sent transaction at the back of the window.
func (w *inflightWindow) push(transactionID uint16, deadline time.Time) {
	w.entries = append(w.entries, inflightEntry{transactionID: transactionID, deadline: deadline})
}

// len reports how many transactions are currently outstanding.
func (w *inflightWindow) len() int {
	return len(w.entries)
}

// front returns the head entry (the one whose deadline arms the timer),
// if any.
func (w *inflightWindow) front() (inflightEntry, bool) {
	if len(w.entries) == 0 {
		return inflightEntry{}, false
	}
	return w.entries[0], true
}

// popFront removes and returns the head entry, used when its deadline
// fires.
func (w *inflightWindow) popFront() (inflightEntry, bool) {
	if len(w.entries) == 0 {
		return inflightEntry{}, false
	}
	e := w.entries[0]
	w.entries = w.entries[1:]
	return e, true
}

// drainAll removes every entry, returning them in send order. Used on
// reconnect, where every id then in-flight must be marked timed out.
func (w *inflightWindow) drainAll() []inflightEntry {
	drained := w.entries
	w.entries = make([]inflightEntry, 0, 8)
	return drained
}

// resolve locates transactionID in the window. If found at position k, the
// caller is told to report entries [0, k) as dropped (they were sent
// before a successful response for a later transaction arrived, so they
// are inferred lost) -- unless busy is true, in which case the gateway is
// explicitly telling us it discarded only this one and nothing earlier
// should be disturbed.
func (w *inflightWindow) resolve(transactionID uint16, busy bool) (dropped []uint16, found bool) {
	index := -1
	for i, e := range w.entries {
		if e.transactionID == transactionID {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, false
	}
	if busy {
		w.entries = append(w.entries[:index], w.entries[index+1:]...)
		return nil, true
	}
	for _, e := range w.entries[:index] {
		dropped = append(dropped, e.transactionID)
	}
	w.entries = w.entries[index+1:]
	return dropped, true
}

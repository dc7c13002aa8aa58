package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestInflightResolveReportsEarlierDrops is scenario 3 from spec.md §8:
// three reads are submitted back to back and only the third is ever
// answered; resolving it must report the first two as dropped, in send
// order, and leave the window empty.
func TestInflightResolveReportsEarlierDrops(t *testing.T) {
	w := newInflightWindow()
	now := time.Now()
	w.push(1, now.Add(time.Second))
	w.push(2, now.Add(2*time.Second))
	w.push(3, now.Add(3*time.Second))

	dropped, found := w.resolve(3, false)
	require.True(t, found)
	require.Equal(t, []uint16{1, 2}, dropped)
	require.Equal(t, 0, w.len())
}

// TestInflightResolveBusyDoesNotDropEarlierEntries covers the "Server Busy
// exception only discards the one matching transaction" rule: a busy
// response for the second entry must not disturb the first, which remains
// in the window awaiting its own resolution.
func TestInflightResolveBusyDoesNotDropEarlierEntries(t *testing.T) {
	w := newInflightWindow()
	now := time.Now()
	w.push(1, now.Add(time.Second))
	w.push(2, now.Add(2*time.Second))

	dropped, found := w.resolve(2, true)
	require.True(t, found)
	require.Empty(t, dropped)
	require.Equal(t, 1, w.len())

	front, ok := w.front()
	require.True(t, ok)
	require.Equal(t, uint16(1), front.transactionID)
}

// TestInflightResolveUnknownTransaction ensures a response for a
// transaction id no longer (or never) in the window is reported, not
// silently dropped as a false match.
func TestInflightResolveUnknownTransaction(t *testing.T) {
	w := newInflightWindow()
	w.push(1, time.Now().Add(time.Second))

	_, found := w.resolve(99, false)
	require.False(t, found)
	require.Equal(t, 1, w.len())
}

// TestInflightPopFrontOrder verifies the window is strict FIFO: popFront
// always yields the earliest-sent entry regardless of its deadline.
func TestInflightPopFrontOrder(t *testing.T) {
	w := newInflightWindow()
	now := time.Now()
	w.push(10, now.Add(5*time.Second))
	w.push(20, now.Add(time.Second))

	e, ok := w.popFront()
	require.True(t, ok)
	require.Equal(t, uint16(10), e.transactionID)

	e, ok = w.popFront()
	require.True(t, ok)
	require.Equal(t, uint16(20), e.transactionID)

	_, ok = w.popFront()
	require.False(t, ok)
}

// TestInflightDrainAll is the reconnect path: every outstanding entry is
// returned in send order and the window is left empty for the next epoch.
func TestInflightDrainAll(t *testing.T) {
	w := newInflightWindow()
	now := time.Now()
	w.push(1, now)
	w.push(2, now)
	w.push(3, now)

	drained := w.drainAll()
	require.Len(t, drained, 3)
	require.Equal(t, uint16(1), drained[0].transactionID)
	require.Equal(t, uint16(2), drained[1].transactionID)
	require.Equal(t, uint16(3), drained[2].transactionID)
	require.Equal(t, 0, w.len())

	drained = w.drainAll()
	require.Empty(t, drained)
}

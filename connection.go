package modbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Connection is the public entry point of the connection core: it
// allocates transaction ids, dispatches requests to whichever transport
// Config selects, and blocks the caller on the response tracker until a
// response or timeout is delivered.
type Connection struct {
	jobs    chan Request
	tracker *responseTracker
	txIDGen atomic.Uint32
	deviceID byte
	serverBusyRetryDelay time.Duration

	workerErr chan error
	// done is closed once the worker has exited; sendErr, set just before,
	// is what Send then returns.
	done    chan struct{}
	sendErr error
}

// New creates a Connection for cfg and spawns its transport worker. The
// worker is owned by the Connection: closing it (see Close) drains the
// in-flight window and stops the worker.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, _ := cfg.How.kind()

	jobs := make(chan Request)
	tracker := newResponseTracker()
	workerErr := make(chan error, 1)

	conn := &Connection{
		jobs:                 jobs,
		tracker:              tracker,
		deviceID:             cfg.DeviceID,
		serverBusyRetryDelay: cfg.ServerBusyRetryDelay,
		workerErr:            workerErr,
		done:                 make(chan struct{}),
	}

	switch kind {
	case "tcp":
		worker := newStreamingWorker(cfg, tracker, logger, jobs)
		go conn.runWorker(worker.run)
	case "stateless":
		worker := newStatelessWorker(cfg, tracker, jobs)
		go conn.runWorker(worker.run)
	case "serial":
		return nil, openSerialStub(cfg.How.SerialDevice, logger)
	}
	return conn, nil
}

func (c *Connection) runWorker(run func() error) {
	err := run()
	// On worker exit (fatal error or clean shutdown-drain), no waiter
	// should be left blocked forever: close the tracker so every
	// outstanding and future waitFor observes closure.
	c.sendErr = ErrSchedule
	if err != nil {
		c.sendErr = fmt.Errorf("%w: %w", ErrSchedule, err)
	}
	close(c.done)
	c.tracker.close()
	c.workerErr <- err
}

// newTransactionID allocates the next 16-bit transaction id. Uniqueness is
// required only within the active in-flight window (a handful of
// entries), so wraparound at 2^16 is benign.
func (c *Connection) newTransactionID() uint16 {
	return uint16(c.txIDGen.Add(1))
}

// Send enqueues operation for the active transport and blocks until the
// tracker resolves its transaction id. A nil response with a nil error
// means the request timed out or was dropped; this is functionally
// indistinguishable from a confirmed drop, per spec.
func (c *Connection) Send(ctx context.Context, operation Operation) (*Response, error) {
	if err := Validate(operation); err != nil {
		return nil, err
	}
	transactionID := c.newTransactionID()
	req := Request{DeviceID: c.deviceID, TransactionID: transactionID, Operation: operation}

	select {
	case c.jobs <- req:
	case <-c.done:
		return nil, c.sendErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp, ok := c.tracker.waitFor(transactionID)
	if !ok {
		return nil, c.sendErr
	}
	return resp, nil
}

// SendRetrying is Send but retries timeouts (nil response) and Server Busy
// exceptions, sleeping ServerBusyRetryDelay between busy retries. Any
// other response, including non-busy server exceptions, is returned to the
// caller verbatim.
func (c *Connection) SendRetrying(ctx context.Context, operation Operation) (*Response, error) {
	for {
		resp, err := c.Send(ctx, operation)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			continue
		}
		if resp.IsServerBusy() {
			select {
			case <-time.After(c.serverBusyRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		return resp, nil
	}
}

// Close signals the active transport worker to shut down: the submission
// channel is closed, the worker drains its in-flight window, and Close
// waits for it to exit. It returns the worker's terminal error, if any.
func (c *Connection) Close() error {
	close(c.jobs)
	return <-c.workerErr
}

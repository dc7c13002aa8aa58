package modbus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// streamingWorker drives one socket using this dialect's TCP framing: it
// connects, paces sends against the configured serial baud rate, reads
// responses, times out the in-flight window, and reconnects after a bounded
// number of consecutive head-of-window timeouts.
type streamingWorker struct {
	cfg      Config
	tracker  *responseTracker
	logger   *slog.Logger
	jobs     <-chan Request
	inflight *inflightWindow

	// pendingSend is the request currently being written to the socket, if
	// any. It lives on the worker rather than the epoch because it must
	// survive the epoch boundary: a request staged for send when a reconnect
	// is triggered is neither in the in-flight window (push happens only
	// after a successful write, in armAfterSend) nor resolvable by the next
	// epoch, so it must be marked timed out exactly once at the top of the
	// reconnect loop, or on fatal exit.
	pendingSend *Request

	reconnectCountdown int
	fatalErr           error
}

func newStreamingWorker(cfg Config, tracker *responseTracker, logger *slog.Logger, jobs <-chan Request) *streamingWorker {
	return &streamingWorker{
		cfg:                cfg,
		tracker:            tracker,
		logger:             logger,
		jobs:               jobs,
		inflight:           newInflightWindow(),
		reconnectCountdown: cfg.ReconnectAfterTimeouts,
	}
}

// decodedFrame is either a successfully decoded response or a fatal read
// error from the reader goroutine.
type decodedFrame struct {
	response Response
	err      error
}

// epoch is one connect-to-reconnect lifetime of the worker's socket: the
// connection, the reader goroutine feeding it, and the timers that pace
// sends and arm deadlines.
type epoch struct {
	conn       net.Conn
	responses  chan decodedFrame
	readerDone chan struct{}
	sendSlot   *time.Timer
	deadline   *time.Timer
	jobsClosed bool
	// slotOpen is set when sendSlot fires and cleared after each send; new
	// jobs are taken only while it is set.
	slotOpen bool
}

// shutdown tears the epoch's connection down and waits for its reader
// goroutine to exit. A close error is reported, not swallowed, but it is
// never fatal to the worker: the socket is being discarded either way.
func (e *epoch) shutdown() error {
	err := e.conn.Close()
	drainTimer(e.sendSlot)
	drainTimer(e.deadline)
	<-e.readerDone
	if err != nil {
		return &ShutdownError{Err: err}
	}
	return nil
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// run is the worker's long-lived loop; it returns nil when the jobs
// channel closes and the in-flight window has drained, or a non-nil error
// when a fatal transport error occurs.
func (w *streamingWorker) run() error {
reconnect:
	for {
		// Reconnecting (or starting up): every id in-flight or staged for
		// send is marked timed out exactly once.
		for _, e := range w.inflight.drainAll() {
			w.tracker.markTimeout(e.transactionID)
		}
		if w.pendingSend != nil {
			w.tracker.markTimeout(w.pendingSend.TransactionID)
			w.pendingSend = nil
		}

		conn, err := w.connect()
		if err != nil {
			return err
		}
		w.reconnectCountdown = w.cfg.ReconnectAfterTimeouts

		responses := make(chan decodedFrame, 8)
		readerDone := make(chan struct{})
		go w.readLoop(conn, responses, readerDone)

		sendSlot := time.NewTimer(0)
		deadline := time.NewTimer(time.Hour)
		drainTimer(deadline)

		ep := &epoch{conn: conn, responses: responses, readerDone: readerDone, sendSlot: sendSlot, deadline: deadline}

		for {
			action := w.step(ep)
			switch action {
			case actionContinue:
				continue
			case actionReconnect:
				if err := ep.shutdown(); err != nil {
					w.log(slog.LevelWarn, "closing the connection before reconnecting failed", "error", err)
				}
				continue reconnect
			case actionShutdownDone:
				if err := ep.shutdown(); err != nil {
					w.log(slog.LevelWarn, "closing the connection during shutdown failed", "error", err)
				}
				return nil
			case actionFatal:
				if err := ep.shutdown(); err != nil {
					w.log(slog.LevelWarn, "closing the connection after a fatal error failed", "error", err)
				}
				if w.pendingSend != nil {
					w.tracker.markTimeout(w.pendingSend.TransactionID)
					w.pendingSend = nil
				}
				return w.fatalErr
			}
		}
	}
}

type stepAction int

const (
	actionContinue stepAction = iota
	actionReconnect
	actionShutdownDone
	actionFatal
)

// step processes exactly one priority-ordered event and reports what the
// caller should do next. Priority order (highest first): decoded response
// or reader error, inflight head timeout, send-slot timer, new job intake
// (only while the send slot is open).
// Higher-priority channels are polled non-blocking first so that send and
// read progress is always preferred over new job intake; only once nothing
// higher-priority is ready does step block on all four at once.
func (w *streamingWorker) step(ep *epoch) stepAction {
	if a, ok := w.tryResponse(ep); ok {
		return a
	}
	if a, ok := w.tryDeadline(ep); ok {
		return a
	}
	if a, ok := w.trySendSlot(ep); ok {
		return a
	}

	var jobs <-chan Request
	if !ep.jobsClosed && w.pendingSend == nil && ep.slotOpen {
		jobs = w.jobs
	}
	select {
	case frame := <-ep.responses:
		return w.handleFrame(ep, frame)
	case <-ep.deadline.C:
		return w.handleDeadline(ep)
	case <-ep.sendSlot.C:
		return w.handleSendSlot(ep)
	case req, ok := <-jobs:
		return w.handleJob(ep, req, ok)
	}
}

func (w *streamingWorker) tryResponse(ep *epoch) (stepAction, bool) {
	select {
	case frame := <-ep.responses:
		return w.handleFrame(ep, frame), true
	default:
		return 0, false
	}
}

func (w *streamingWorker) tryDeadline(ep *epoch) (stepAction, bool) {
	if ep.deadline == nil {
		return 0, false
	}
	select {
	case <-ep.deadline.C:
		return w.handleDeadline(ep), true
	default:
		return 0, false
	}
}

func (w *streamingWorker) trySendSlot(ep *epoch) (stepAction, bool) {
	select {
	case <-ep.sendSlot.C:
		return w.handleSendSlot(ep), true
	default:
		return 0, false
	}
}

func (w *streamingWorker) handleFrame(ep *epoch, frame decodedFrame) stepAction {
	if frame.err != nil {
		w.fatalErr = &ReceiveError{Err: frame.err}
		return actionFatal
	}
	w.handleResponse(frame.response, ep.sendSlot, ep.deadline)
	return w.maybeShutdownDone(ep)
}

func (w *streamingWorker) handleDeadline(ep *epoch) stepAction {
	if !w.handleTimeout(ep.deadline) {
		return actionReconnect
	}
	return w.maybeShutdownDone(ep)
}

func (w *streamingWorker) handleSendSlot(ep *epoch) stepAction {
	if w.pendingSend != nil {
		w.log(slog.LevelWarn, "sending a request timed out, will reconnect")
		return actionReconnect
	}
	ep.slotOpen = true
	return actionContinue
}

func (w *streamingWorker) handleJob(ep *epoch, req Request, ok bool) stepAction {
	if !ok {
		ep.jobsClosed = true
		if tcpConn, isTCP := ep.conn.(*net.TCPConn); isTCP {
			if err := tcpConn.CloseWrite(); err != nil {
				w.log(slog.LevelWarn, "half-closing the connection's write side failed", "error", &ShutdownError{Err: err})
			}
		}
		return w.maybeShutdownDone(ep)
	}
	w.pendingSend = &req
	if err := w.send(ep.conn, req); err != nil {
		w.log(slog.LevelWarn, "sending request failed, will reconnect", "error", &SendError{Err: err})
		return actionReconnect
	}
	ep.slotOpen = false
	w.armAfterSend(req, ep.sendSlot, ep.deadline)
	w.pendingSend = nil
	return actionContinue
}

func (w *streamingWorker) maybeShutdownDone(ep *epoch) stepAction {
	if ep.jobsClosed && w.inflight.len() == 0 {
		return actionShutdownDone
	}
	return actionContinue
}

// send writes req to conn with a send_timeout deadline.
func (w *streamingWorker) send(conn net.Conn, req Request) error {
	if err := conn.SetWriteDeadline(time.Now().Add(w.cfg.SendTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(encode(req))
	return err
}

// armAfterSend computes the send slot and read deadline per the pacing
// model: response_duration = 10 * response_bytes / baudrate.
func (w *streamingWorker) armAfterSend(req Request, sendSlot, deadline *time.Timer) {
	respLen := expectedResponseLength(req.Operation)
	responseDuration := time.Duration(10) * time.Duration(respLen) * time.Second / time.Duration(w.cfg.Baudrate)
	responseReady := time.Now().Add(responseDuration)
	responseDeadline := responseReady.Add(w.cfg.ReadTimeout)

	w.inflight.push(req.TransactionID, responseDeadline)
	if front, ok := w.inflight.front(); ok {
		deadline.Reset(time.Until(front.deadline))
	}
	drainTimer(sendSlot)
	sendSlot.Reset(time.Until(responseReady.Add(w.cfg.TCPSendDelay)))
}

func (w *streamingWorker) handleResponse(resp Response, sendSlot, deadline *time.Timer) {
	busy := resp.IsServerBusy()
	dropped, found := w.inflight.resolve(resp.TransactionID, busy)
	if !found {
		w.log(slog.LevelDebug, "a response we were not expecting", "transaction_id", resp.TransactionID)
		return
	}
	for _, id := range dropped {
		w.tracker.markTimeout(id)
	}
	if !busy {
		w.reconnectCountdown = w.cfg.ReconnectAfterTimeouts
	}
	w.tracker.addResponse(resp)
	if w.inflight.len() == 0 {
		drainTimer(deadline)
		sendSlot.Reset(0)
	} else if front, ok := w.inflight.front(); ok {
		deadline.Reset(time.Until(front.deadline))
	}
}

// handleTimeout handles the inflight head's deadline firing. It returns
// false when the reconnect countdown has been exhausted and the caller
// must reconnect.
func (w *streamingWorker) handleTimeout(deadline *time.Timer) bool {
	entry, ok := w.inflight.popFront()
	if !ok {
		return true
	}
	w.log(slog.LevelDebug, "an inflight request timed out", "transaction_id", entry.transactionID, "reconnect_countdown", w.reconnectCountdown)
	w.tracker.markTimeout(entry.transactionID)
	if w.reconnectCountdown == 0 {
		return false
	}
	w.reconnectCountdown--
	if w.reconnectCountdown == 0 {
		return false
	}
	if front, ok := w.inflight.front(); ok {
		deadline.Reset(time.Until(front.deadline))
	}
	return true
}

func (w *streamingWorker) connect() (net.Conn, error) {
	address := w.cfg.How.TCPAddress
	w.log(slog.LevelInfo, "connecting...", "address", address)
	conn, err := net.Dial("tcp", address)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, &LookupError{Address: address, Err: err}
		}
		return nil, &ConnectError{Address: address, Err: err}
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Best-effort: a failure here is not fatal to the connection.
		_ = tcpConn.SetNoDelay(true)
	}
	w.log(slog.LevelInfo, "connected")
	return conn, nil
}

// readLoop continuously reads from conn, decodes frames and feeds them to
// out. It returns (closing done) when conn is closed or a fatal read error
// occurs.
func (w *streamingWorker) readLoop(conn net.Conn, out chan<- decodedFrame, done chan<- struct{}) {
	defer close(done)
	var dec decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.feed(buf[:n])
			for {
				resp, ok := dec.next()
				if !ok {
					break
				}
				out <- decodedFrame{response: resp}
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			out <- decodedFrame{err: err}
			return
		}
	}
}

func (w *streamingWorker) log(level slog.Level, msg string, args ...any) {
	if w.logger != nil {
		w.logger.Log(context.Background(), level, msg, args...)
	}
}

package modbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// statelessWorker issues one HTTP GET per Modbus operation against the
// gateway's mread/mwrite JSON API. Requests are fully concurrent: each job
// spawns its own short-lived goroutine, the Go equivalent of pushing a
// boxed future onto a futures::stream::SelectAll. No pacing or inflight
// window is needed -- every HTTP call is a self-contained transaction with
// its own timeout.
type statelessWorker struct {
	baseURL *url.URL
	client  *http.Client
	tracker *responseTracker
	jobs    <-chan Request
}

func newStatelessWorker(cfg Config, tracker *responseTracker, jobs <-chan Request) *statelessWorker {
	return &statelessWorker{
		baseURL: cfg.How.StatelessBaseURL,
		client: &http.Client{
			Timeout: cfg.ReadTimeout + cfg.SendTimeout,
		},
		tracker: tracker,
		jobs:    jobs,
	}
}

// run drives the fan-in loop: new jobs are dispatched to their own
// goroutine; results (of either operation kind) are fanned into a single
// shared channel and forwarded to the tracker as they complete, regardless
// of submission order.
func (w *statelessWorker) run() error {
	results := make(chan statelessResult, 16)
	pending := 0
	jobs := w.jobs
	for {
		select {
		case req, ok := <-jobs:
			if !ok {
				if pending == 0 {
					return nil
				}
				jobs = nil
				continue
			}
			pending++
			go w.do(req, results)
		case res := <-results:
			pending--
			if res.err != nil {
				// Fatal to the worker, matching the upstream tool's own
				// `?`-propagation out of its per-request future: a
				// malformed gateway response ends the whole worker, not
				// just this transaction. Connection closes the tracker on
				// worker exit so no waiter is left hanging, see
				// connection.go.
				return res.err
			}
			w.tracker.addResponse(res.response)
			if jobs == nil && pending == 0 {
				return nil
			}
		}
	}
}

type statelessResult struct {
	response Response
	err      error
}

func (w *statelessWorker) do(req Request, results chan<- statelessResult) {
	switch op := req.Operation.(type) {
	case GetHoldings:
		resp, err := w.doRead(req, op)
		results <- statelessResult{response: resp, err: err}
	case SetHoldings:
		resp, err := w.doWrite(req, op)
		results <- statelessResult{response: resp, err: err}
	}
}

func (w *statelessWorker) requestURL(segment string, query string) *url.URL {
	u := *w.baseURL
	u.Path = joinURLPath(w.baseURL.Path, segment)
	u.RawQuery = query
	return &u
}

func joinURLPath(base, segment string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + segment
	}
	return base + "/" + segment
}

func (w *statelessWorker) doRead(req Request, op GetHoldings) (Response, error) {
	obj := map[string]uint16{strconv.FormatUint(uint64(op.Address), 10): op.Count}
	query, _ := json.Marshal(obj)
	u := w.requestURL("mread", string(query))

	body, err := w.get(u)
	if err != nil {
		return Response{}, &TransportError{Op: "modbus read", Err: err}
	}
	var raw map[string]json.Number
	if err := json.Unmarshal(body, &raw); err != nil {
		var anyVal any
		if jsonErr := json.Unmarshal(body, &anyVal); jsonErr == nil {
			return Response{}, NotObjectError
		}
		return Response{}, &JSONDecodeError{Err: err}
	}

	type kv struct {
		addr  uint16
		value int64
	}
	results := make([]kv, 0, len(raw))
	for k, v := range raw {
		addr, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			continue
		}
		n, err := v.Int64()
		if err != nil {
			return Response{}, NonIntegerValueError
		}
		results = append(results, kv{addr: uint16(addr), value: n})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].addr < results[j].addr })

	if len(results) < int(op.Count) {
		return Response{}, &IncompleteError{Requested: op.Count, Got: len(results)}
	}

	values := make([]byte, 0, 2*len(results))
	for i, r := range results {
		expectedAddr := op.Address + uint16(i)
		if r.addr != expectedAddr {
			return Response{}, &NonContiguousError{FoundKey: r.addr, Want: [2]uint16{op.Address, op.Address + op.Count}}
		}
		v := uint16(int16(r.value))
		values = append(values, byte(v>>8), byte(v))
	}

	return Response{
		DeviceID:      req.DeviceID,
		TransactionID: req.TransactionID,
		Kind:          GetHoldingsResult{Values: values},
	}, nil
}

func (w *statelessWorker) doWrite(req Request, op SetHoldings) (Response, error) {
	obj := make(map[string]uint16, len(op.Values))
	for i, v := range op.Values {
		obj[strconv.FormatUint(uint64(op.Address)+uint64(i), 10)] = v
	}
	query, _ := json.Marshal(obj)
	u := w.requestURL("mwrite", string(query))

	body, err := w.get(u)
	if err != nil {
		return Response{}, &TransportError{Op: "modbus write", Err: err}
	}
	var anyVal any
	if err := json.Unmarshal(body, &anyVal); err != nil {
		return Response{}, &JSONDecodeError{Err: err}
	}
	if _, ok := anyVal.(map[string]any); !ok {
		return Response{}, NotObjectError
	}

	// Whether the write actually took effect is not verified here; see
	// DESIGN.md's Open Question decisions.
	return Response{
		DeviceID:      req.DeviceID,
		TransactionID: req.TransactionID,
		Kind:          SetHoldingsResult{Address: op.Address, Words: uint16(len(op.Values))},
	}, nil
}

func (w *statelessWorker) get(u *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

package modbus

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func statelessConfig(t *testing.T, baseURL string) Config {
	cfg := DefaultConfig()
	cfg.How = Transport{StatelessBaseURL: mustParseURL(t, baseURL)}
	return cfg
}

// TestStatelessReadHappyPath covers a contiguous mread response decoding
// into the expected big-endian register bytes.
func TestStatelessReadHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mread", r.URL.Path)
		fmt.Fprint(w, `{"7004":200,"7005":300}`)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Send(context.Background(), GetHoldings{Address: 7004, Count: 2})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, GetHoldingsResult{Values: []byte{0x00, 200, 0x01, 44}}, resp.Kind)
}

// TestStatelessWriteHappyPath is scenario 6: a SetHoldings write confirms
// with the written address and count, without verifying the gateway
// actually applied it (see DESIGN.md's Open Question decisions).
func TestStatelessWriteHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mwrite", r.URL.Path)
		require.JSONEq(t, `{"7004":1}`, r.URL.RawQuery)
		fmt.Fprint(w, `{"7004":1}`)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Send(context.Background(), SetHoldings{Address: 7004, Values: []uint16{1}})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, SetHoldingsResult{Address: 7004, Words: 1}, resp.Kind)
}

// TestStatelessReadIncomplete covers a gateway that answers with fewer
// registers than requested.
func TestStatelessReadIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"7004":200}`)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), GetHoldings{Address: 7004, Count: 2})
	require.Error(t, err)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
}

// TestStatelessReadNonContiguous covers a gateway answering with keys that
// don't form the contiguous [address, address+count) range requested.
func TestStatelessReadNonContiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"7004":200,"7010":300}`)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), GetHoldings{Address: 7004, Count: 2})
	require.Error(t, err)
	var nonContig *NonContiguousError
	require.ErrorAs(t, err, &nonContig)
}

// TestStatelessReadNotObject covers a gateway that answers with a bare
// JSON scalar or array instead of an address-keyed object.
func TestStatelessReadNotObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[1,2,3]`)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), GetHoldings{Address: 7004, Count: 1})
	require.Error(t, err)
	require.ErrorIs(t, err, NotObjectError)
}

// TestStatelessReadMalformedJSON covers a gateway response that isn't
// valid JSON at all.
func TestStatelessReadMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), GetHoldings{Address: 7004, Count: 1})
	require.Error(t, err)
	var jsonErr *JSONDecodeError
	require.ErrorAs(t, err, &jsonErr)
}

// TestStatelessTransportError covers a gateway that returns a non-2xx
// status, surfaced as a TransportError rather than a decode failure.
func TestStatelessTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	conn, err := New(context.Background(), statelessConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), GetHoldings{Address: 7004, Count: 1})
	require.Error(t, err)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

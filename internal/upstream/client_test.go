package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, contract, 5*time.Second)
	c.Retry = RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return c
}

func TestClientPageAndResumeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/addresses/"+contract+"/transactions", r.URL.Path)
		assert.Equal(t, "to", r.URL.Query().Get("filter"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("block_number") == "" {
			_, _ = w.Write([]byte(`{"items":[{"hash":"0x1"}],"next_page_params":{"block_number":123456789,"index":4,"fee":null,"hash":"0xff"}}`))
			return
		}
		assert.Equal(t, "123456789", r.URL.Query().Get("block_number"))
		assert.Equal(t, "0xff", r.URL.Query().Get("hash"))
		_, _ = w.Write([]byte(`{"items":[{"hash":"0x2"}],"next_page_params":null}`))
	}))
	defer srv.Close()
	c := testClient(srv)

	p1, err := c.Page(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, p1.Items, 1)
	require.NotEmpty(t, p1.Next)
	q, err := url.ParseQuery(p1.Next)
	require.NoError(t, err)
	assert.Equal(t, "4", q.Get("index"))
	assert.NotContains(t, q, "fee")

	p2, err := c.Page(context.Background(), p1.Next)
	require.NoError(t, err)
	assert.Len(t, p2.Items, 1)
	assert.Empty(t, p2.Next)
}

func TestClientRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).Page(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/addresses/"+contract+"/counters", r.URL.Path)
		_, _ = w.Write([]byte(`{"transactions_count":"65000","token_transfers_count":"12"}`))
	}))
	defer srv.Close()

	n, err := testClient(srv).Counters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(65000), n)
}

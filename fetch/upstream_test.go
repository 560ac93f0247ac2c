package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	cidcache "github.com/cidcache/cidcache"
)

func testRef(t *testing.T, seed string) cidcache.Ref {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cidcache.NewRef(cid.NewCidV1(cid.Raw, mh), "")
}

func TestNewClient_RequiresGateways(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
}

func TestFetch_SingleGateway(t *testing.T) {
	ref := testRef(t, "single")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ipfs/"+ref.Key(), r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL})
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, srv.URL, resp.Gateway)
	require.Equal(t, "text/plain", resp.ContentType)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}

func TestFetch_EscapesSubpath(t *testing.T) {
	mh, err := multihash.Sum([]byte("escaped"), multihash.SHA2_256, -1)
	require.NoError(t, err)
	c := cid.NewCidV1(cid.DagProtobuf, mh)
	ref := cidcache.NewRef(c, "dir with spaces/what?.txt")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// "?" must arrive as part of the path, not start a query string.
		require.Equal(t, "/ipfs/"+c.String()+"/dir with spaces/what?.txt", r.URL.Path)
		require.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client, err := NewClient([]string{srv.URL})
	require.NoError(t, err)

	resp, err := client.Fetch(context.Background(), ref)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}

func TestGatewayURL(t *testing.T) {
	mh, err := multihash.Sum([]byte("url"), multihash.SHA2_256, -1)
	require.NoError(t, err)
	c := cid.NewCidV1(cid.DagProtobuf, mh)

	tests := []struct {
		subpath string
		want    string
	}{
		{"", "http://gw/ipfs/" + c.String()},
		{"plain.txt", "http://gw/ipfs/" + c.String() + "/plain.txt"},
		{"a b/c#d", "http://gw/ipfs/" + c.String() + "/a%20b/c%23d"},
		{"q?.txt", "http://gw/ipfs/" + c.String() + "/q%3F.txt"},
	}
	for _, tt := range tests {
		got := gatewayURL("http://gw", cidcache.NewRef(c, tt.subpath))
		require.Equal(t, tt.want, got, "subpath %q", tt.subpath)
	}
}

func TestFetch_FastestGatewayWins(t *testing.T) {
	ref := testRef(t, "race")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
			_, _ = w.Write([]byte("slow"))
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fast"))
	}))
	defer fast.Close()

	c, err := NewClient([]string{slow.URL, fast.URL})
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, fast.URL, resp.Gateway)
	require.Less(t, time.Since(start), time.Second)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "fast", string(body))
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	ref := testRef(t, "transient")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, WithMaxTries(3))
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(body))
	require.Equal(t, int32(2), calls.Load())
}

func TestFetch_UnanimousNotFoundIsPermanent(t *testing.T) {
	ref := testRef(t, "missing")

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})
	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	c, err := NewClient([]string{srv1.URL, srv2.URL}, WithMaxTries(5))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), ref)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(2), calls.Load(), "a unanimous 404 must not be retried")
}

func TestFetch_RateLimitPausesGateway(t *testing.T) {
	ref := testRef(t, "limited")

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	var healthyCalls atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyCalls.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	c, err := NewClient([]string{limited.URL, healthy.URL}, WithGatewayPause(time.Hour))
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Contains(t, c.PausedGateways(), limited.URL)

	// Next fetch should skip the paused gateway entirely.
	resp, err = c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, int32(2), healthyCalls.Load())
}

func TestFetch_PauseExpires(t *testing.T) {
	ref := testRef(t, "expiry")

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := &now

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL},
		WithGatewayPause(time.Minute),
		WithNowFunc(func() time.Time { return *clock }))
	require.NoError(t, err)

	c.pauseGateway(srv.URL)
	require.Contains(t, c.PausedGateways(), srv.URL)

	_, err = c.Fetch(context.Background(), ref)
	require.Error(t, err, "all gateways paused")

	*clock = now.Add(2 * time.Minute)
	require.Empty(t, c.PausedGateways())

	resp, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestFetch_ContentLengthPrecheck(t *testing.T) {
	ref := testRef(t, "huge")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write(make([]byte, 1000000))
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, WithMaxContentLength(1024))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), ref)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFetch_ContextCancellation(t *testing.T) {
	ref := testRef(t, "cancel")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Fetch(ctx, ref)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

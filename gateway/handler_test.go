package gateway

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cidcache/cidcache/fetch"
)

func newTestHandler(t *testing.T, up *stubUpstream) http.Handler {
	t.Helper()
	env := newTestEnv(t, up)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ipfs/{ref...}", env.gateway.HandleContent)
	mux.HandleFunc("HEAD /ipfs/{ref...}", env.gateway.HandleContent)
	return mux
}

func TestHandleContent_ServesPayload(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{payload: []byte("hello world"), contentType: "text/plain"})
	ref := dagRef(t, "handler", "greeting.txt")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	require.Equal(t, strconv.Itoa(len("hello world")), rec.Header().Get("Content-Length"))
	require.Equal(t, "hello world", rec.Body.String())
	require.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
}

func TestHandleContent_HeadOmitsBody(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{payload: []byte("head test"), contentType: "text/plain"})
	ref := dagRef(t, "head", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, strconv.Itoa(len("head test")), rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Body.String())
}

func TestHandleContent_ImageHeaders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 100, 50))))

	h := newTestHandler(t, &stubUpstream{payload: buf.Bytes()})
	ref := dagRef(t, "image-headers", "pic.png")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "100", rec.Header().Get("x-image-width"))
	require.Equal(t, "50", rec.Header().Get("x-image-height"))
	require.Equal(t, strconv.Itoa(buf.Len()), rec.Header().Get("x-image-size"))
}

func TestHandleContent_NoImageHeadersForText(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{payload: []byte("plain text")})
	ref := dagRef(t, "no-image-headers", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("x-image-width"))
	require.Empty(t, rec.Header().Get("x-image-size"))
}

func TestHandleContent_InvalidRef(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/not-a-cid", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleContent_UpstreamNotFound(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{err: fetch.ErrNotFound})
	ref := dagRef(t, "upstream-404", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleContent_UpstreamUnavailable(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{err: fetch.ErrUnavailable})
	ref := dagRef(t, "upstream-down", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleContent_OctetStreamFallback(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{payload: []byte{0x00, 0x01, 0xfe, 0xff}})
	ref := dagRef(t, "binary", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestHandleContent_SecondRequestServedFromCache(t *testing.T) {
	up := &stubUpstream{payload: []byte("cache me")}
	h := newTestHandler(t, up)
	ref := dagRef(t, "cached", "")

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipfs/"+ref.Key(), nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		require.Equal(t, "cache me", string(body))
	}
	require.Equal(t, int32(1), up.calls.Load())
}

package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jpdbq/pkg/logx"
)

func statusDoc(context.Context) (any, error) {
	return map[string]any{"pending": 2}, nil
}

func get(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3"}, statusDoc, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status?token=wrong", "s3").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "s3").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3", "").Code)
}

func TestTokenMatches(t *testing.T) {
	t.Parallel()
	assert.True(t, tokenMatches("s3cret", "s3cret"))
	assert.False(t, tokenMatches("s3cre", "s3cret"))
	assert.False(t, tokenMatches("s3cret!", "s3cret"))
	assert.False(t, tokenMatches("", "s3cret"))
}

func TestStatusDocument(t *testing.T) {
	t.Parallel()
	h := New(Config{}, statusDoc, logx.Nop()).Handler()

	rec := get(t, h, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.EqualValues(t, 2, doc["pending"])
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := New(Config{}, statusDoc, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", "").Code)

	on := New(Config{Pprof: true}, statusDoc, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", "").Code)
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, statusDoc, logx.Nop())
	require.ErrorIs(t, s.Serve(context.Background()), ErrInsecureBind)
}

func TestServeStopsWithContext(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, statusDoc, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

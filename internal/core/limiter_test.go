package core_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustycawk/rs-filestore/internal/core"
)

func TestLimitConcurrency(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := core.LimitConcurrency(1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	var (
		wg    sync.WaitGroup
		first = httptest.NewRecorder()
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/upload", nil))
	}()
	<-entered

	busy := httptest.NewRecorder()
	handler.ServeHTTP(busy, httptest.NewRequest(http.MethodPost, "/upload", nil))
	require.Equal(t, http.StatusServiceUnavailable, busy.Code)
	require.Equal(t, "1", busy.Header().Get("Retry-After"))

	close(release)
	wg.Wait()
	require.Equal(t, http.StatusCreated, first.Code)

	// The slot is free again.
	go func() { <-entered }()
	after := httptest.NewRecorder()
	handler.ServeHTTP(after, httptest.NewRequest(http.MethodPost, "/upload", nil))
	require.Equal(t, http.StatusCreated, after.Code)
}

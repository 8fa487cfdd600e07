package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"market-cache/internal/common/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_StartShutdown(t *testing.T) {
	s := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), "127.0.0.1:0", logging.NewNopLogger())

	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	err, open := <-s.Err()
	assert.NoError(t, err)
	assert.False(t, open)
}

func TestServer_StartFailsWhenAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(http.NotFoundHandler(), ln.Addr().String(), logging.NewNopLogger())
	assert.Error(t, s.Start())
}

package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		if err := conn.Send(ctx, data); err != nil {
			return
		}
	}
}

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestServerEcho(t *testing.T) {
	srv := startServer(t, ServerConfig{Handler: echoHandler})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.Addr().String(), DialConfig{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, []byte("ping")))
	got, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerMaxConnections(t *testing.T) {
	var rejected atomic.Int32
	srv := startServer(t, ServerConfig{
		Handler:        echoHandler,
		MaxConnections: 1,
		OnError:        func(error) { rejected.Add(1) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := Dial(ctx, srv.Addr().String(), DialConfig{})
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Send(ctx, []byte("hold")))
	_, err = first.Receive(ctx)
	require.NoError(t, err)

	second, err := Dial(ctx, srv.Addr().String(), DialConfig{})
	require.NoError(t, err)
	defer second.Close()

	_, err = second.Receive(ctx)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return rejected.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerStopClosesConnections(t *testing.T) {
	srv, err := NewServer(ServerConfig{Address: "127.0.0.1:0", Handler: echoHandler})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, srv.Addr().String(), DialConfig{})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Stop())
	assert.NoError(t, srv.Stop())

	_, err = conn.Receive(ctx)
	assert.Error(t, err)
}

func TestNewServerRequiresHandler(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

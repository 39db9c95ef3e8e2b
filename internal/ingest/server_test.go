package ingest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestServerIngestsFrames(t *testing.T) {
	pipeline, st, _ := newTestPipeline(t, nil)
	port := freePort(t)
	server := NewServer(port, pipeline, nil)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer func() { _ = conn.Close() }()

	frame := frameJSON("run1", "sess", 0, "lifecycle", `{"type":"message_received","content":"hi"}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	require.Eventually(t, func() bool {
		events, err := st.EventsForRun("run1")
		return err == nil && len(events) == 1
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.NoError(t, <-serveErr)
}

func TestServerShutdownWithoutConnections(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, nil)
	server := NewServer(freePort(t), pipeline, nil)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.NoError(t, <-serveErr)
}

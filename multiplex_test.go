package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// decodeServerMessage is the test-side mirror of decodeClientMessage: it
// sniffs the `type` field of a server→client message and returns the
// concrete *StreamMessage or *ExitMessage.
func decodeServerMessage(raw []byte) (any, error) {
	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "stdout", "stderr":
		var m StreamMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case "exit":
		var m ExitMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("decodeServerMessage: unexpected type %q", env.Type)
	}
}

func decodeStreamPayload(m *StreamMessage) ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}

func sendStdin(conn *websocket.Conn, data []byte) error {
	msg := StdinCommand{Type: "stdin", Data: base64.StdEncoding.EncodeToString(data)}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(context.Background(), websocket.MessageText, payload)
}

func sendSignal(conn *websocket.Conn, signum int) error {
	msg := SignalCommand{Type: "signal", Signum: signum}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(context.Background(), websocket.MessageText, payload)
}

// multiplexTestServer accepts a single WebSocket connection, wires it
// directly to a multiplexer over an already-spawned child, sends the
// terminal exit message the way session.go's done() step does, and
// returns once the multiplexer joins. Grounded on the teacher's own
// integration_test.go pattern of an httptest.Server wrapping
// websocket.Accept.
func multiplexTestServer(t *testing.T, proc *childProcess, chunkSize int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		defer proc.close()

		mux := &multiplexer{conn: conn, proc: proc, validator: noopValidator{}, chunkSize: chunkSize}
		code := mux.run(context.Background())

		payload, err := json.Marshal(newExitMessage(code))
		if err == nil {
			conn.Write(context.Background(), websocket.MessageText, payload)
		}
	}))
	return srv
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestMultiplexer_StreamsStdoutThenCloses(t *testing.T) {
	cp, err := spawnChild([]string{"/bin/sh", "-c", "printf hello"}, dispositionPipe, dispositionNull, nil, t.TempDir())
	require.NoError(t, err)

	srv := multiplexTestServer(t, cp, defaultChunkSize)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var stdout []byte
	for {
		_, raw, err := conn.Read(context.Background())
		require.NoError(t, err)

		msg, err := decodeServerMessage(raw)
		require.NoError(t, err)
		switch m := msg.(type) {
		case *StreamMessage:
			decoded, err := decodeStreamPayload(m)
			require.NoError(t, err)
			stdout = append(stdout, decoded...)
		case *ExitMessage:
			assert.Equal(t, 0, m.Code)
			assert.Equal(t, "hello", string(stdout))
			return
		}
	}
}

func TestMultiplexer_ForwardsStdin(t *testing.T) {
	cp, err := spawnChild([]string{"/bin/cat"}, dispositionPipe, dispositionNull, nil, t.TempDir())
	require.NoError(t, err)

	srv := multiplexTestServer(t, cp, defaultChunkSize)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, sendStdin(conn, []byte("hello\n")))
	require.NoError(t, sendStdin(conn, nil)) // close stdin

	var stdout []byte
	for {
		_, raw, err := conn.Read(context.Background())
		require.NoError(t, err)
		msg, err := decodeServerMessage(raw)
		require.NoError(t, err)
		switch m := msg.(type) {
		case *StreamMessage:
			decoded, err := decodeStreamPayload(m)
			require.NoError(t, err)
			stdout = append(stdout, decoded...)
		case *ExitMessage:
			assert.Equal(t, "hello\n", string(stdout))
			assert.Equal(t, 0, m.Code)
			return
		}
	}
}

func TestMultiplexer_SignalForwarding(t *testing.T) {
	cp, err := spawnChild([]string{"/bin/sh", "-c", "trap 'exit 42' TERM; sleep 30"}, dispositionNull, dispositionNull, nil, t.TempDir())
	require.NoError(t, err)

	srv := multiplexTestServer(t, cp, defaultChunkSize)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sendSignal(conn, 15))

	for {
		_, raw, err := conn.Read(context.Background())
		require.NoError(t, err)
		msg, err := decodeServerMessage(raw)
		require.NoError(t, err)
		if m, ok := msg.(*ExitMessage); ok {
			assert.Equal(t, 42, m.Code)
			return
		}
	}
}

func TestMultiplexer_CancelKillsChild(t *testing.T) {
	cp, err := spawnChild([]string{"/bin/sleep", "30"}, dispositionNull, dispositionNull, nil, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		mux := &multiplexer{conn: nil, proc: cp, chunkSize: defaultChunkSize}
		done <- mux.waitWithCancellation(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not kill the child in time")
	}
}

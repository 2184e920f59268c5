package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// multiplexer owns the four concurrent activities of spec.md §4.4: two
// OutRead tasks (stdout/stderr → client), InReceive (client → signal/
// stdin), and Wait (child exit). Adapted from the teacher's relay.go
// master-read/stdin-read goroutine pair — there, one goroutine copied PTY
// output to the terminal while another copied terminal input to the PTY,
// joined on a shared done channel; here the same shape drives child pipes
// instead of a PTY, and a separate context governs InReceive's lifetime so
// it can be cut short once the join completes without waiting for the
// socket to close on its own.
type multiplexer struct {
	conn      *websocket.Conn
	proc      *childProcess
	validator Validator
	chunkSize int
}

// run drives the session to completion and returns the exit code to
// report. ctx is canceled on client disconnect or server shutdown, which
// triggers proc.kill() so the OutRead/Wait trio can converge even if the
// child would otherwise run forever (spec.md §4.4's cancellation rule).
//
// InReceive runs on its own goroutine for the lifetime of the socket
// rather than joining here: its blocked Read only unblocks on ctx
// cancellation or on the socket actually closing, and closing the socket
// early would take the exit message's write down with it. The caller
// closes the socket once it has sent that message (session.go's DONE
// step), which is what finally lets this goroutine return.
func (m *multiplexer) run(ctx context.Context) int {
	go m.receiveLoop(ctx)

	var g errgroup.Group

	if m.proc.stdout != nil {
		g.Go(func() error {
			m.outRead("stdout", m.proc.stdout)
			return nil
		})
	}
	if m.proc.stderr != nil {
		g.Go(func() error {
			m.outRead("stderr", m.proc.stderr)
			return nil
		})
	}

	var code int
	g.Go(func() error {
		code = m.waitWithCancellation(ctx)
		return nil
	})

	g.Wait()
	return code
}

// waitWithCancellation implements spec.md §4.4's "if cancelled, kill;
// OutRead tasks then terminate naturally as pipes close; wait is awaited
// to reap" — mirrors the original's wait_process(process, wait_op).
func (m *multiplexer) waitWithCancellation(ctx context.Context) int {
	done := make(chan int, 1)
	go func() {
		done <- m.proc.wait()
	}()

	select {
	case code := <-done:
		return code
	case <-ctx.Done():
		m.proc.kill()
		return <-done
	}
}

// outRead reads up to chunkSize bytes at a time from r and forwards each
// chunk as a stream message of the given kind, until EOF. A mid-stream
// read error (spec.md §7 "child I/O error") ends this task only; the
// other OutRead task and Wait are unaffected. r is the parent's read end
// of the child's pipe; closing it is the caller's job (childProcess.close,
// via session.go's deferred proc.close()), not this task's — a single
// owner for that fd avoids a double close against that same defer.
func (m *multiplexer) outRead(kind string, r *os.File) {
	buf := make([]byte, m.chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			writeCtx := context.Background()
			if werr := m.conn.Write(writeCtx, websocket.MessageText, marshalStreamMessage(kind, buf[:n])); werr != nil {
				// The client went away; let Wait/other OutRead converge
				// on their own terms rather than erroring here.
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("multiplex: %s read error: %v", kind, err)
			}
			return
		}
	}
}

// receiveLoop implements InReceive: consumes inbound client messages and
// dispatches signal/stdin commands to the child, dropping anything else
// (spec.md §4.4).
func (m *multiplexer) receiveLoop(ctx context.Context) {
	for {
		typ, raw, err := m.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			m.conn.Close(websocket.StatusProtocolError, "binary frames are not accepted")
			return
		}

		if verr := m.validator.ValidateServerCommand(raw); verr != nil {
			log.Printf("multiplex: dropping message rejected by validator: %v", verr)
			continue
		}

		msg, err := decodeClientMessage(raw)
		if err != nil {
			log.Printf("multiplex: dropping malformed message: %v", err)
			continue
		}

		switch cmd := msg.(type) {
		case *SignalCommand:
			m.proc.signal(cmd.Signum)
		case *StdinCommand:
			data, derr := cmd.decode()
			if derr != nil {
				log.Printf("multiplex: dropping stdin command: %v", derr)
				continue
			}
			if len(data) == 0 {
				m.proc.stdin.Close()
				continue
			}
			if _, werr := m.proc.stdin.Write(data); werr != nil {
				log.Printf("multiplex: stdin write error: %v", werr)
			}
		case *RunCommand:
			// At-most-one run (invariant i): a second run is logged and
			// dropped, never spawns a second child.
			log.Printf("multiplex: dropping extra run message")
		}
	}
}

func marshalStreamMessage(kind string, data []byte) []byte {
	msg := newStreamMessage(kind, data)
	out, err := json.Marshal(msg)
	if err != nil {
		// newStreamMessage's fields are always valid UTF-8/base64; this
		// can't actually fail, but fail safe rather than send garbage.
		return []byte(`{"type":"` + kind + `","data":""}`)
	}
	return out
}

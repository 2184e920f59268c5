package main

import (
	"context"
	"encoding/json"
	"log"

	"nhooyr.io/websocket"
)

// session is the per-connection state machine of spec.md §4.5: AWAIT_RUN →
// RUNNING → DONE. One is created per accepted upgrade by the service
// endpoint (server.go) and runs to completion on its own goroutine.
type session struct {
	id        string
	conn      *websocket.Conn
	validator Validator
}

func newSession(id string, conn *websocket.Conn, validator Validator) *session {
	return &session{id: id, conn: conn, validator: validator}
}

// serve drives the session from AWAIT_RUN through DONE. ctx is the
// server's shutdown context: its cancellation is the only way a running
// child gets killed out from under a still-connected client.
func (s *session) serve(ctx context.Context) {
	run, ok := s.awaitRun(ctx)
	if !ok {
		return // socket closed, or shutdown, before any run arrived
	}

	code := s.running(ctx, run)

	s.done(code)
}

// awaitRun reads messages until a valid run command arrives or the socket
// closes. signal/stdin before run are silently dropped (invariant ii); a
// message that fails validation or shape checking is logged and dropped,
// not treated as a fatal protocol error.
func (s *session) awaitRun(ctx context.Context) (*RunCommand, bool) {
	for {
		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			return nil, false
		}
		if typ != websocket.MessageText {
			s.conn.Close(websocket.StatusProtocolError, "binary frames are not accepted")
			return nil, false
		}

		if err := s.validator.ValidateServerCommand(raw); err != nil {
			log.Printf("session %s: AWAIT_RUN: rejected by validator: %v", s.id, err)
			continue
		}

		msg, err := decodeClientMessage(raw)
		if err != nil {
			log.Printf("session %s: AWAIT_RUN: %v", s.id, err)
			continue
		}

		run, isRun := msg.(*RunCommand)
		if !isRun {
			log.Printf("session %s: AWAIT_RUN: dropping out-of-order %T", s.id, msg)
			continue
		}
		return run, true
	}
}

// running implements RUNNING: stage the file set, spawn the child, drive
// the multiplexer to completion, and return the exit code to report.
// Any failure short of a successfully started child is reported as exit
// code 127 (spec.md §4.3, §7), matching the single termination shape the
// protocol promises the client.
func (s *session) running(ctx context.Context, run *RunCommand) int {
	dir, err := newStagingDir(run.Files)
	if err != nil {
		log.Printf("session %s: RUNNING: staging failed: %v", s.id, err)
		return 127
	}
	defer removeStagingDir(dir)

	proc, err := spawnChild(run.Args, run.Stdout, run.Stderr, run.Env, dir)
	if err != nil {
		log.Printf("session %s: RUNNING: spawn failed: %v", s.id, err)
		return 127
	}
	defer proc.close()

	mux := &multiplexer{conn: s.conn, proc: proc, validator: s.validator, chunkSize: run.ChunkSize}
	return mux.run(ctx)
}

// done implements DONE: emit the terminal exit message (best-effort — a
// write failure here just means the client already left) and close the
// socket. Staging cleanup already happened via running's defer.
func (s *session) done(code int) {
	exit := newExitMessage(code)
	payload, err := json.Marshal(exit)
	if err == nil {
		if werr := s.conn.Write(context.Background(), websocket.MessageText, payload); werr != nil {
			log.Printf("session %s: DONE: exit message not delivered: %v", s.id, werr)
		}
	}
	s.conn.Close(websocket.StatusNormalClosure, "session complete")
}

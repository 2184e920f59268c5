package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Disposition values for the stdout/stderr fields of a run command.
const (
	dispositionPipe   = "pipe"
	dispositionNull   = "null"
	dispositionStdout = "stdout" // stderr only: merge into stdout
)

const defaultChunkSize = 1024

// maxChunkSize bounds the per-stream read buffer multiplex.go's outRead
// allocates from a client-supplied value; without it a malicious
// chunk_size turns into an arbitrarily large single allocation on the
// server, not just the requesting session.
const maxChunkSize = 1 << 20

// RunCommand is the first message a client must send on a session.
// Unmarshaled directly from the client's JSON; see spec.md §3 and
// schema.py's run_command definition.
type RunCommand struct {
	Type      string            `json:"type"`
	Args      []string          `json:"args"`
	ChunkSize int               `json:"chunk_size"`
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	Env       map[string]string `json:"env"`
	Files     map[string]string `json:"files"`
}

// applyDefaults fills in the defaults spec.md §3/§4.1 specify for fields
// the client omitted.
func (c *RunCommand) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkSize > maxChunkSize {
		c.ChunkSize = maxChunkSize
	}
	if c.Stdout == "" {
		c.Stdout = dispositionPipe
	}
	if c.Stderr == "" {
		c.Stderr = dispositionPipe
	}
}

func (c *RunCommand) validateShape() error {
	if len(c.Args) == 0 {
		return fmt.Errorf("run: args must be a non-empty list")
	}
	switch c.Stdout {
	case dispositionPipe, dispositionNull:
	default:
		return fmt.Errorf("run: invalid stdout disposition %q", c.Stdout)
	}
	switch c.Stderr {
	case dispositionPipe, dispositionNull, dispositionStdout:
	default:
		return fmt.Errorf("run: invalid stderr disposition %q", c.Stderr)
	}
	return nil
}

// SignalCommand requests a POSIX signal be delivered to the running child.
type SignalCommand struct {
	Type   string `json:"type"`
	Signum int    `json:"signum"`
}

func (c *SignalCommand) validateShape() error {
	if c.Signum < 1 || c.Signum > 32 {
		return fmt.Errorf("signal: signum %d out of range [1,32]", c.Signum)
	}
	return nil
}

// StdinCommand carries base64-encoded bytes to write to the child's
// stdin. An empty decoded payload means "close stdin".
type StdinCommand struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (c *StdinCommand) decode() ([]byte, error) {
	if c.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("stdin: bad base64 payload: %w", err)
	}
	return data, nil
}

// StreamMessage is a server→client chunk of child stdout or stderr.
type StreamMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func newStreamMessage(kind string, data []byte) StreamMessage {
	return StreamMessage{
		Type: kind,
		Data: base64.StdEncoding.EncodeToString(data),
	}
}

// ExitMessage reports the child's final exit code. Always the last
// message sent on a session, when sent at all.
type ExitMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

func newExitMessage(code int) ExitMessage {
	return ExitMessage{Type: "exit", Code: code}
}

// messageEnvelope is used to sniff the `type` field before deciding which
// concrete struct to decode the rest of the message into.
type messageEnvelope struct {
	Type string `json:"type"`
}

// decodeClientMessage dispatches on the `type` field, the tagged-variant
// approach spec.md §9 calls for in place of the original's dynamic
// dispatch-by-string (parse_run_msg/parse_signal_msg/parse_stdin_msg in
// server.py). Returns one of *RunCommand, *SignalCommand, *StdinCommand,
// or an error if the type is missing, unknown, or the message is
// malformed.
func decodeClientMessage(raw []byte) (any, error) {
	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch env.Type {
	case "run":
		var m RunCommand
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode run command: %w", err)
		}
		m.applyDefaults()
		if err := m.validateShape(); err != nil {
			return nil, err
		}
		return &m, nil
	case "signal":
		var m SignalCommand
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode signal command: %w", err)
		}
		if err := m.validateShape(); err != nil {
			return nil, err
		}
		return &m, nil
	case "stdin":
		var m StdinCommand
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode stdin command: %w", err)
		}
		return &m, nil
	case "":
		return nil, fmt.Errorf("decode message: missing %q field", "type")
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", env.Type)
	}
}

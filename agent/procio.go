package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/transport"
)

// ProcSpec describes a subprocess to spawn on the execution backend.
type ProcSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type spawnReply struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

type outputPayload struct {
	Line string `json:"line"`
}

type exitPayload struct {
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
}

type writeArgs struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type killArgs struct {
	ID string `json:"id"`
}

// ProcHandle is an adapter's view of one backend-side subprocess: stdin
// writes and line-oriented output via the transport's proc.* commands and
// proc:<id>:* events.
type ProcHandle struct {
	t  transport.Transport
	ID string

	mu     sync.Mutex
	cancel transport.CancelFunc
	closed bool
}

// Spawn starts a subprocess through the transport.
func Spawn(ctx context.Context, t transport.Transport, spec ProcSpec) (*ProcHandle, error) {
	data, err := t.Invoke(ctx, "proc.spawn", spec)
	if err != nil {
		return nil, err
	}
	var reply spawnReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("proc.spawn: bad reply: %w", err)
	}
	return &ProcHandle{t: t, ID: reply.ID}, nil
}

// Attach subscribes to the process's output and exit events. Call exactly
// once per spawn, before the first turn is started. Nil handlers are
// skipped.
func (h *ProcHandle) Attach(onStdout, onStderr func(line string), onExit func(code int, errMsg string)) error {
	prefix := "proc:" + h.ID + ":"
	cancel, err := h.t.Listen(prefix+"*", func(ev transport.Event) {
		switch strings.TrimPrefix(ev.Type, prefix) {
		case "stdout":
			if onStdout == nil {
				return
			}
			var p outputPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return
			}
			onStdout(p.Line)
		case "stderr":
			if onStderr == nil {
				return
			}
			var p outputPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return
			}
			onStderr(p.Line)
		case "exit":
			if onExit == nil {
				return
			}
			var p exitPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				onExit(-1, "")
				return
			}
			onExit(p.Code, p.Error)
		}
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return nil
}

// WriteLine sends one newline-terminated frame to the process's stdin.
func (h *ProcHandle) WriteLine(ctx context.Context, data string) error {
	_, err := h.t.Invoke(ctx, "proc.write", writeArgs{ID: h.ID, Data: data + "\n"})
	return err
}

// Kill terminates the process. Safe to call after exit.
func (h *ProcHandle) Kill(ctx context.Context) error {
	_, err := h.t.Invoke(ctx, "proc.kill", killArgs{ID: h.ID})
	return err
}

// Close detaches the output listeners. Trailing frames from a killed
// process are then discarded at the transport layer.
func (h *ProcHandle) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.closed = true
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunCollect spawns a short-lived process and returns its combined stdout
// once it exits. Used for CLI side calls like chat-id creation.
func RunCollect(ctx context.Context, t transport.Transport, spec ProcSpec) (string, error) {
	h, err := Spawn(ctx, t, spec)
	if err != nil {
		return "", err
	}
	defer h.Close()

	var mu sync.Mutex
	var out strings.Builder
	done := make(chan error, 1)

	err = h.Attach(
		func(line string) {
			mu.Lock()
			out.WriteString(line)
			out.WriteString("\n")
			mu.Unlock()
		},
		nil,
		func(code int, errMsg string) {
			if code != 0 {
				if errMsg == "" {
					errMsg = fmt.Sprintf("exit code %d", code)
				}
				done <- fmt.Errorf("%s: %s", spec.Command, errMsg)
				return
			}
			done <- nil
		},
	)
	if err != nil {
		return "", err
	}

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
	case <-ctx.Done():
		h.Kill(context.Background())
		return "", ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return strings.TrimSpace(out.String()), nil
}

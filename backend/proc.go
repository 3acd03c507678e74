package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

const scanBufferSize = 1024 * 1024

// ProcTable owns the agent CLI subprocesses spawned on behalf of adapters.
// Each process's stdout and stderr are forwarded line by line as
// "proc:<id>:stdout" / "proc:<id>:stderr" events, and termination as
// "proc:<id>:exit". Forwarding happens on the per-process reader
// goroutine, so output order is preserved per process.
type ProcTable struct {
	hub *Hub
	log *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
}

// SpawnArgs is the proc.spawn command payload.
type SpawnArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// SpawnResult is the proc.spawn reply.
type SpawnResult struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// WriteArgs is the proc.write command payload. Data is written verbatim;
// callers append their own line terminators.
type WriteArgs struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// KillArgs is the proc.kill command payload.
type KillArgs struct {
	ID string `json:"id"`
}

// SignalArgs is the proc.signal command payload.
type SignalArgs struct {
	ID     string `json:"id"`
	Signal string `json:"signal"`
}

// OutputPayload carries one line of process output.
type OutputPayload struct {
	Line string `json:"line"`
}

// ExitPayload reports process termination.
type ExitPayload struct {
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
}

// NewProcTable creates a process table publishing to hub and registers its
// commands on b.
func NewProcTable(b *Backend) *ProcTable {
	t := &ProcTable{
		hub:   b.Hub(),
		log:   slog.With("component", "proc"),
		procs: make(map[string]*proc),
	}
	b.Register("proc.spawn", t.handleSpawn)
	b.Register("proc.write", t.handleWrite)
	b.Register("proc.kill", t.handleKill)
	b.Register("proc.signal", t.handleSignal)
	return t
}

func (t *ProcTable) handleSpawn(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SpawnArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("proc.spawn: invalid args: %w", err)
	}
	if args.Command == "" {
		return nil, fmt.Errorf("proc.spawn: command is required")
	}
	return t.Spawn(args)
}

func (t *ProcTable) handleWrite(ctx context.Context, raw json.RawMessage) (any, error) {
	var args WriteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("proc.write: invalid args: %w", err)
	}
	return nil, t.Write(args.ID, args.Data)
}

func (t *ProcTable) handleKill(ctx context.Context, raw json.RawMessage) (any, error) {
	var args KillArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("proc.kill: invalid args: %w", err)
	}
	return nil, t.Kill(args.ID)
}

func (t *ProcTable) handleSignal(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SignalArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("proc.signal: invalid args: %w", err)
	}
	return nil, t.Signal(args.ID, args.Signal)
}

// Spawn starts a subprocess and begins streaming its output.
func (t *ProcTable) Spawn(args SpawnArgs) (SpawnResult, error) {
	// Process lifetime is bound to the table, not the spawning request.
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, args.Command, args.Args...)
	cmd.Dir = args.Dir
	if len(args.Env) > 0 {
		cmd.Env = args.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return SpawnResult{}, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return SpawnResult{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return SpawnResult{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return SpawnResult{}, fmt.Errorf("failed to spawn %s: %w", args.Command, err)
	}

	id := uuid.NewString()
	p := &proc{id: id, cmd: cmd, stdin: stdin, cancel: cancel}
	t.mu.Lock()
	t.procs[id] = p
	t.mu.Unlock()

	t.log.Info("process started", "id", id, "command", args.Command, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.streamLines(stderr, "proc:"+id+":stderr")
	}()

	go func() {
		t.streamLines(stdout, "proc:"+id+":stdout")
		wg.Wait()

		exit := ExitPayload{}
		if err := cmd.Wait(); err != nil {
			exit.Error = err.Error()
			if ee, ok := err.(*exec.ExitError); ok {
				exit.Code = ee.ExitCode()
			} else {
				exit.Code = -1
			}
		}
		t.remove(id)
		t.hub.Publish("proc:"+id+":exit", exit)
		t.log.Info("process exited", "id", id, "code", exit.Code)
	}()

	return SpawnResult{ID: id, PID: cmd.Process.Pid}, nil
}

// Write sends data to a process's stdin.
func (t *ProcTable) Write(id, data string) error {
	t.mu.Lock()
	p := t.procs[id]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("proc.write: no such process: %s", id)
	}
	_, err := io.WriteString(p.stdin, data)
	return err
}

// Signal delivers a named signal ("int", "term", "hup") to a process,
// for graceful interrupts where a kill would lose in-flight output.
func (t *ProcTable) Signal(id, name string) error {
	t.mu.Lock()
	p := t.procs[id]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("proc.signal: no such process: %s", id)
	}

	var sig os.Signal
	switch strings.ToLower(strings.TrimPrefix(strings.ToUpper(name), "SIG")) {
	case "int":
		sig = syscall.SIGINT
	case "term":
		sig = syscall.SIGTERM
	case "hup":
		sig = syscall.SIGHUP
	default:
		return fmt.Errorf("proc.signal: unsupported signal: %s", name)
	}
	return p.cmd.Process.Signal(sig)
}

// Kill terminates a process. Killing an already-exited process is a no-op.
func (t *ProcTable) Kill(id string) error {
	t.mu.Lock()
	p := t.procs[id]
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	p.cancel()
	return nil
}

// Shutdown terminates every tracked process.
func (t *ProcTable) Shutdown() {
	t.mu.Lock()
	procs := make([]*proc, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
	t.log.Info("process table shutdown", "killed", len(procs))
}

func (t *ProcTable) remove(id string) {
	t.mu.Lock()
	delete(t.procs, id)
	t.mu.Unlock()
}

func (t *ProcTable) streamLines(r io.Reader, eventType string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufferSize), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.hub.Publish(eventType, OutputPayload{Line: line})
	}
	if err := scanner.Err(); err != nil {
		t.log.Error("output scanner error", "eventType", eventType, "error", err)
	}
}

package toolrouter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/loveme/daemon/internal/domain"
)

// subprocessRequest is one line written to the child's stdin (spec §6: "a
// single-line JSON request {id, name, arguments}").
type subprocessRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// subprocessResponse is one line read back from the child's stdout.
type subprocessResponse struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// SubprocessProvider launches an external tool provider as a child process
// speaking the line-framed JSON protocol from spec §6: on startup it emits
// its tool list as one line, then answers one `{id,content,isError}` per
// `{id,name,arguments}` request.
//
// Invocations are concurrent at the Router level, so a single stdin/stdout
// pipe pair is demultiplexed by request id: a single reader goroutine
// drains stdout and routes each response line to the pending call that's
// waiting on it.
type SubprocessProvider struct {
	name string
	cmd  *exec.Cmd
	tools []domain.ToolDescriptor

	writeMu sync.Mutex
	stdin   io.WriteCloser

	pendingMu sync.Mutex
	pending   map[string]chan subprocessResponse
}

// StartSubprocessProvider launches command/args as a child process, reads
// its initial tool-list line, and begins the stdout demultiplexing loop.
// The returned provider owns the child for its lifetime; call Close to
// terminate it.
func StartSubprocessProvider(name string, command string, args ...string) (*SubprocessProvider, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("toolrouter: stdin pipe for %q: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("toolrouter: stdout pipe for %q: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("toolrouter: start provider %q: %w", name, err)
	}

	p := &SubprocessProvider{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan subprocessResponse),
	}

	reader := bufio.NewReader(stdout)

	// First line is the tool list.
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		cmd.Process.Kill()
		return nil, fmt.Errorf("toolrouter: read tool list from %q: %w", name, err)
	}
	var tools []domain.ToolDescriptor
	if err := json.Unmarshal(line, &tools); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("toolrouter: decode tool list from %q: %w", name, err)
	}
	p.tools = tools

	go p.readLoop(reader)

	return p, nil
}

func (p *SubprocessProvider) readLoop(reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var resp subprocessResponse
			if jsonErr := json.Unmarshal(line, &resp); jsonErr != nil {
				slog.Error("toolrouter: malformed response line", "provider", p.name, "error", jsonErr)
			} else {
				p.deliver(resp)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("toolrouter: provider stdout closed", "provider", p.name, "error", err)
			}
			return
		}
	}
}

func (p *SubprocessProvider) deliver(resp subprocessResponse) {
	p.pendingMu.Lock()
	ch, ok := p.pending[resp.ID]
	if ok {
		delete(p.pending, resp.ID)
	}
	p.pendingMu.Unlock()

	if ok {
		ch <- resp
	}
}

func (p *SubprocessProvider) Name() string { return p.name }

func (p *SubprocessProvider) Tools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return p.tools, nil
}

// Invoke writes one request line and waits for its matching response.
// Concurrent Invoke calls interleave safely: writes are serialized under a
// short lock (one full line at a time), reads are demultiplexed by id.
func (p *SubprocessProvider) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	reqID := uuid.NewString()
	respCh := make(chan subprocessResponse, 1)

	p.pendingMu.Lock()
	p.pending[reqID] = respCh
	p.pendingMu.Unlock()

	req := subprocessRequest{ID: reqID, Name: name, Arguments: argumentsJSON}
	line, err := json.Marshal(req)
	if err != nil {
		p.dropPending(reqID)
		return domain.ToolResult{}, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	_, writeErr := p.stdin.Write(line)
	p.writeMu.Unlock()
	if writeErr != nil {
		p.dropPending(reqID)
		return domain.ToolResult{}, fmt.Errorf("write to provider %q: %w", p.name, writeErr)
	}

	select {
	case resp := <-respCh:
		return domain.ToolResult{Content: resp.Content, IsError: resp.IsError}, nil
	case <-ctx.Done():
		p.dropPending(reqID)
		return domain.ToolResult{}, ctx.Err()
	}
}

func (p *SubprocessProvider) dropPending(id string) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

// Close terminates the child process.
func (p *SubprocessProvider) Close() error {
	p.stdin.Close()
	return p.cmd.Process.Kill()
}

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transport carries JSON-RPC 2.0 messages to a tool backend
type Transport interface {
	// Call sends a request and waits for its response
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	// Notify sends a notification, which has no response
	Notify(ctx context.Context, method string, params interface{}) error
	Close() error
}

// errTransportClosed is returned to calls pending when the backend goes away
var errTransportClosed = errors.New("tool backend connection closed")

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

// rpcResponse is any inbound message. Method is set only on requests and
// notifications sent by the backend.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const codeMethodNotFound = -32601

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("tool backend error (%d): %s", e.Code, e.Message)
}

// StdioTransport runs the backend as a child process and exchanges
// newline-delimited JSON-RPC over its stdin and stdout
type StdioTransport struct {
	process *exec.Cmd
	stdin   io.WriteCloser
	logger  zerolog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	id      int
	pending map[int]chan *rpcResponse
	done    chan struct{}
	closed  bool
}

// StartStdio launches command and begins reading its output.
// The child outlives ctx; it is stopped by Close.
func StartStdio(ctx context.Context, command string, args []string, env map[string]string, logger zerolog.Logger) (*StdioTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	t := &StdioTransport{
		process: cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[int]chan *rpcResponse),
		done:    make(chan struct{}),
	}

	go t.listen(stdout)
	go t.drainStderr(stderr)

	return t, nil
}

func (t *StdioTransport) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.logger.Debug().Err(err).Msg("Ignoring non JSON-RPC output from tool backend")
			continue
		}

		if resp.Method != "" {
			if resp.ID != nil {
				// answered off the read loop so a full stdin pipe cannot stall it
				go t.answer(resp.ID, resp.Method)
			} else {
				t.logger.Debug().Str("method", resp.Method).Msg("Tool backend notification")
			}
			continue
		}

		id, ok := resp.ID.(float64)
		if !ok {
			continue
		}

		t.mu.Lock()
		ch, exists := t.pending[int(id)]
		if exists {
			delete(t.pending, int(id))
		}
		t.mu.Unlock()

		if exists {
			ch <- &resp
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn().Err(err).Msg("Tool backend output stream failed")
	}

	t.mu.Lock()
	t.closed = true
	close(t.done)
	t.pending = make(map[int]chan *rpcResponse)
	t.mu.Unlock()
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// answer replies to a request initiated by the backend
func (t *StdioTransport) answer(id interface{}, method string) {
	reply := rpcReply{JSONRPC: "2.0", ID: id}
	if method == "ping" {
		reply.Result = json.RawMessage(`{}`)
	} else {
		reply.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
	if err := t.write(reply); err != nil {
		t.logger.Debug().Err(err).Str("method", method).Msg("Failed to answer tool backend request")
	}
}

func (t *StdioTransport) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", errTransportClosed, err)
	}
	return nil
}

// Done is closed once the backend's output ends, usually because it exited
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StdioTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.id++
	id := t.id
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}

	if err := t.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
		forget()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-t.done:
		return nil, errTransportClosed
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (t *StdioTransport) Notify(ctx context.Context, method string, params interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Close stops the child process. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.process == nil {
		t.mu.Unlock()
		return nil
	}
	proc := t.process
	t.process = nil
	t.mu.Unlock()

	_ = t.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = proc.Process.Kill()
		<-exited
	}
	return nil
}

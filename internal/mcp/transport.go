package mcp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
)

// transport carries newline-delimited JSON-RPC messages to and from a tool
// server. Frame boundaries substitute for newlines on WebSocket.
type transport interface {
	// WriteLine sends one message.
	WriteLine(data []byte) error
	// ReadLine blocks for the next message; io.EOF when the peer is gone.
	ReadLine() ([]byte, error)
	// Alive returns nil while the peer can still accept messages.
	Alive() error
	// Close tears the connection down; for stdio this terminates the child.
	Close() error
}

// stdioTransport runs the server as a child process, writing requests to its
// stdin and reading responses from its stdout. stderr is inherited so server
// diagnostics reach the operator.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	exited chan struct{}

	writeMu sync.Mutex
}

// startStdio spawns the command with merged environment.
func startStdio(command string, args []string, env map[string]string) (*stdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %q: %w", command, err)
	}

	t := &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		exited: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(t.exited)
	}()
	return t, nil
}

func (t *stdioTransport) WriteLine(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return err
	}
	_, err := t.stdin.Write([]byte{'\n'})
	return err
}

func (t *stdioTransport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

func (t *stdioTransport) Alive() error {
	select {
	case <-t.exited:
		return fmt.Errorf("process has terminated")
	default:
		return nil
	}
}

func (t *stdioTransport) Close() error {
	t.stdin.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	return nil
}

// wsTransport speaks the same dialect over a WebSocket connection.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// dialWS connects to a WebSocket tool server.
func dialWS(url string) (*wsTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) WriteLine(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		return nil, io.EOF
	}
	return data, nil
}

func (t *wsTransport) Alive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("connection closed")
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// cdprelayBinary builds the cdprelay binary once and returns its path.
func cdprelayBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "cdprelay")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/cdprelay")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build cdprelay: %v", buildErr)
	}
	return builtBinary
}

// relayProcess represents a running cdprelay process with log capture.
type relayProcess struct {
	cmd        *exec.Cmd
	logs       *logBuffer
	controller string
	device     string
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

var (
	controllerRe = regexp.MustCompile(`controller=(ws://[^\s]+)`)
	deviceRe     = regexp.MustCompile(`device=(ws://[^\s]+)`)
)

// startRelay starts cdprelay serve on a free loopback port and waits until
// it reports its endpoints. The process is killed on test cleanup.
func startRelay(t *testing.T, extraArgs ...string) *relayProcess {
	t.Helper()
	binary := cdprelayBinary(t)

	args := append([]string{"serve", "--addr", "127.0.0.1:0", "--log-level", "debug"}, extraArgs...)
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), "CDPRELAY_ADDR=", "CDPRELAY_METRICS_ADDR=")

	logs := &logBuffer{}
	cmd.Stderr = logs // cdprelay logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start cdprelay %v: %v", args, err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		if t.Failed() {
			t.Logf("cdprelay logs:\n%s", logs.String())
		}
	})

	proc := &relayProcess{cmd: cmd, logs: logs}
	line := waitForLog(t, proc, "CDP relay server started", 15*time.Second)
	c := controllerRe.FindStringSubmatch(line)
	d := deviceRe.FindStringSubmatch(line)
	if c == nil || d == nil {
		t.Fatalf("no endpoints in log line: %s", line)
	}
	proc.controller, proc.device = c[1], d[1]
	return proc
}

// count returns how many captured lines contain substr.
func (lb *logBuffer) count(substr string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := 0
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// waitForCount waits until at least n log lines contain substr.
func waitForCount(t *testing.T, proc *relayProcess, substr string, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for proc.logs.count(substr) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d log lines containing %q", n, substr)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *relayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

// peer is a test-side WebSocket client speaking JSON messages.
type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialPeer(t *testing.T, url string) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	ws.SetReadLimit(64 << 20)
	t.Cleanup(func() { ws.CloseNow() })
	return &peer{t: t, ws: ws}
}

// message mirrors the relay's wire format.
type message struct {
	ID        *int64          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *peer) send(s string) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.ws.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *peer) recv() message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := p.ws.Read(ctx)
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		p.t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// reply answers a request received by a fake device.
func (p *peer) reply(req message, fields string) {
	p.t.Helper()
	p.send(fmt.Sprintf(`{"id":%d,%s}`, *req.ID, fields))
}

func (p *peer) expectClose(code websocket.StatusCode) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		_, _, err := p.ws.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != code {
			p.t.Fatalf("close status = %v (err %v), want %v", got, err, code)
		}
		return
	}
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *relayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

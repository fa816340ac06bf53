package engine

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
	"time"

	"github.com/finchworks/aviary/internal/toolsource"
)

const (
	// interruptGrace is how long the engine gets to wind down after SIGINT
	// before it is killed.
	interruptGrace = 5 * time.Second

	// maxEventLine bounds one stream-json line; tool results can carry large
	// file contents.
	maxEventLine = 1024 * 1024
)

// CLIInvoker runs the engine as a child process emitting line-delimited
// JSON events on stdout. Interrupt is SIGINT so the engine can finish its
// current tool call; a stuck process is killed after interruptGrace.
type CLIInvoker struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *CLIInvoker) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Invoke spawns the engine process and returns its event stream. The
// returned stream ends with ErrCancelled when ctx is cancelled, or a
// DelegationError on engine failure or timeout.
func (c *CLIInvoker) Invoke(ctx context.Context, req InvokeRequest) (*Stream, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("engine command not configured")
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	args, cleanup, err := c.buildArgs(req)
	if err != nil {
		cancel()
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, c.Command, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader("")
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = interruptGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cleanup()
		cancel()
		return nil, fmt.Errorf("start %s: %w", c.Command, err)
	}

	stream := newStream()
	go func() {
		defer cleanup()
		defer cancel()
		c.consume(ctx, runCtx, cmd, stdout, stderr, stream)
	}()
	return stream, nil
}

func (c *CLIInvoker) buildArgs(req InvokeRequest) ([]string, func(), error) {
	args := append([]string(nil), c.Args...)
	args = append(args, "--output-format", "stream-json", "--print", "--verbose")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSession != "" {
		args = append(args, "--resume", req.ResumeSession)
	}
	if req.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", req.SystemPromptAppend)
	}
	if len(req.Tools.Builtins) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.Tools.Builtins, ","))
	}

	cleanup := func() {}
	if len(req.Tools.Sources) > 0 {
		path, err := writeSourcesFile(req.Tools.Sources)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = os.Remove(path) }
		args = append(args, "--mcp-config", path)
	}

	// Prompt is the positional argument.
	args = append(args, req.Prompt)
	return args, cleanup, nil
}

func (c *CLIInvoker) consume(callerCtx, runCtx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, stream *Stream) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, ok := parseLine(line)
		if !ok {
			c.log().Debug("unrecognized engine output", "line", truncateLine(line))
			continue
		}
		stream.emit(runCtx, ev)
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case callerCtx.Err() != nil:
		stream.close(ErrCancelled)
	case runCtx.Err() != nil:
		stream.close(&DelegationError{Err: fmt.Errorf("engine timed out after %s", c.Timeout)})
	case waitErr != nil:
		err := fmt.Errorf("%s: %v", c.Command, waitErr)
		if tail := stderr.String(); tail != "" {
			err = fmt.Errorf("%s: %v: %s", c.Command, waitErr, tail)
		}
		stream.close(&DelegationError{Err: err})
	case scanErr != nil:
		stream.close(&DelegationError{Err: fmt.Errorf("read engine output: %w", scanErr)})
	default:
		stream.close(nil)
	}
}

// mcpServer is one entry in the engine's server-config file.
type mcpServer struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// writeSourcesFile renders the agent's capability sources into a temp file
// the engine accepts via --mcp-config. The daemon never connects to the
// sources itself.
func writeSourcesFile(sources []toolsource.Source) (string, error) {
	servers := make(map[string]mcpServer, len(sources))
	for _, src := range sources {
		entry := mcpServer{
			Command: src.Command,
			Args:    src.Args,
			Env:     src.Env,
			URL:     src.URL,
			Headers: src.Headers,
		}
		if src.Transport == toolsource.TransportHTTP {
			entry.Type = "http"
		}
		servers[src.Name] = entry
	}
	payload, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "", fmt.Errorf("marshal sources config: %w", err)
	}

	f, err := os.CreateTemp("", "aviary-sources-*.json")
	if err != nil {
		return "", fmt.Errorf("create sources config: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write sources config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close sources config: %w", err)
	}
	return f.Name(), nil
}

// streamEnvelope is the common shape of every stream-json line.
type streamEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// parseLine maps one stream-json line onto the event union. Unknown line
// shapes are skipped rather than failing the run; engines add event types
// faster than we care about them.
func parseLine(line []byte) (Event, bool) {
	var env streamEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, false
	}
	now := time.Now()

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return Event{}, false
		}
		var init struct {
			SessionID string `json:"session_id"`
			Model     string `json:"model"`
		}
		_ = json.Unmarshal(line, &init)
		return Event{
			Type:           EventSessionStarted,
			Timestamp:      now,
			SessionStarted: &SessionStartedEvent{SessionID: init.SessionID, Model: init.Model},
		}, true

	case "assistant":
		switch env.Subtype {
		case "text":
			return Event{
				Type:      EventTextDelta,
				Timestamp: now,
				TextDelta: &TextDeltaEvent{Text: extractStringField(line, "text")},
			}, true
		case "tool_use":
			var use struct {
				ID    string          `json:"tool_use_id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			}
			_ = json.Unmarshal(line, &use)
			return Event{
				Type:      EventToolUse,
				Timestamp: now,
				ToolUse:   &ToolUseEvent{ID: use.ID, Name: use.Name, Input: use.Input},
			}, true
		}
		return Event{}, false

	case "result":
		var res struct {
			Result     string  `json:"result"`
			IsError    bool    `json:"is_error"`
			DurationMS int64   `json:"duration_ms"`
			NumTurns   int64   `json:"num_turns"`
			CostUSD    float64 `json:"cost_usd"`
		}
		_ = json.Unmarshal(line, &res)
		return Event{
			Type:      EventResult,
			Timestamp: now,
			Result: &ResultEvent{
				Text:       res.Result,
				IsError:    res.IsError || strings.HasPrefix(env.Subtype, "error"),
				DurationMs: res.DurationMS,
				NumTurns:   res.NumTurns,
				CostUSD:    res.CostUSD,
			},
		}, true

	case "error":
		return Event{
			Type:      EventError,
			Timestamp: now,
			Error:     &ErrorEvent{Message: extractStringField(line, "message")},
		}, true
	}
	return Event{}, false
}

// extractStringField pulls one string field out of a JSON object without
// committing to its full shape.
func extractStringField(data []byte, field string) string {
	var parsed map[string]json.RawMessage
	if json.Unmarshal(data, &parsed) != nil {
		return ""
	}
	raw, ok := parsed[field]
	if !ok {
		return ""
	}
	var value string
	if json.Unmarshal(raw, &value) != nil {
		return ""
	}
	return value
}

func truncateLine(line []byte) string {
	const max = 200
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}

// tailBuffer keeps the last limit bytes written to it, for error context.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

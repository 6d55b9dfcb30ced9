package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/attachment"
)

// Lines can carry whole base64-encoded attachments.
const maxLineSize = 32 * 1024 * 1024

// CLILauncher starts sessions by spawning the agent CLI in stream-json
// mode and translating its output lines into protocol events.
type CLILauncher struct {
	Command string
	Args    []string
	Logger  *zap.Logger
}

// NewCLILauncher creates a launcher for the given agent binary.
func NewCLILauncher(command string, args []string, logger *zap.Logger) *CLILauncher {
	return &CLILauncher{Command: command, Args: args, Logger: logger}
}

// Start spawns the agent process in the task's working directory, sends
// the initial prompt with its attachment blocks, and begins streaming
// events. The returned session owns the process.
func (l *CLILauncher) Start(ctx context.Context, opts StartOptions) (Session, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = opts.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	s := &cliSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 16),
		logger: l.Logger,
	}

	if err := s.writeUserMessage(opts.Prompt, opts.Attachments); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("sending initial prompt: %w", err)
	}

	go s.consume(stdout)
	return s, nil
}

type cliSession struct {
	cmd    *exec.Cmd
	logger *zap.Logger
	events chan Event

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	stopped bool
	err     error
}

func (s *cliSession) Events() <-chan Event { return s.events }

func (s *cliSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *cliSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Stop terminates the agent process. Safe to call more than once.
func (s *cliSession) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	// writeMu keeps the close from racing an in-flight Send.
	s.writeMu.Lock()
	_ = s.stdin.Close()
	s.writeMu.Unlock()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

// Send forwards a follow-up user message to the running process.
func (s *cliSession) Send(ctx context.Context, text string, blocks []attachment.Block) error {
	if !s.Running() {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeUserMessage(text, blocks)
}

// userMessage is the NDJSON shape the agent CLI accepts on stdin.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string           `json:"role"`
		Content []map[string]any `json:"content"`
	} `json:"message"`
}

func (s *cliSession) writeUserMessage(text string, blocks []attachment.Block) error {
	msg := userMessage{Type: "user"}
	msg.Message.Role = "user"
	if text != "" {
		msg.Message.Content = append(msg.Message.Content, map[string]any{
			"type": "text",
			"text": text,
		})
	}
	for _, b := range blocks {
		msg.Message.Content = append(msg.Message.Content, blockContent(b))
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.Running() {
		return ErrNotRunning
	}
	if _, err := s.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	return nil
}

// blockContent maps a transport block to the CLI's content shape.
func blockContent(b attachment.Block) map[string]any {
	switch b.Type {
	case attachment.BlockImage:
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": b.MediaType,
				"data":       b.Data,
			},
		}
	case attachment.BlockDocument:
		return map[string]any{
			"type": "document",
			"source": map[string]any{
				"type":       "base64",
				"media_type": b.MediaType,
				"data":       b.Data,
			},
		}
	default:
		return map[string]any{
			"type": "text",
			"text": b.Text,
		}
	}
}

// consume reads the process stdout to EOF, translating lines to events.
// It closes the event channel on every exit path.
func (s *cliSession) consume(stdout io.Reader) {
	err := decodeEvents(stdout, s.events, s.logger)
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	s.stopped = true
	if err != nil {
		s.err = err
	} else if waitErr != nil {
		// Killed or crashed processes surface as a broken stream, so
		// consumers run their failure cleanup path.
		s.err = fmt.Errorf("agent process exited: %w", waitErr)
	}
	s.mu.Unlock()

	close(s.events)
}

// cliLine is the subset of the CLI's stream-json output we translate.
type cliLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type    string          `json:"type"`
			Text    string          `json:"text"`
			Name    string          `json:"name"`
			Input   json.RawMessage `json:"input"`
			Content json.RawMessage `json:"content"`
			IsError bool            `json:"is_error"`
		} `json:"content"`
	} `json:"message"`
}

// decodeEvents translates NDJSON lines from r into events on ch until EOF.
// Unparseable lines are logged and skipped; a read failure is returned so
// the caller can distinguish a broken stream from normal completion.
func decodeEvents(r io.Reader, ch chan<- Event, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg cliLine
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug("skipping unparseable agent output", zap.Error(err))
			continue
		}
		for _, ev := range translate(msg) {
			ch <- ev
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading agent stream: %w", err)
	}
	return nil
}

// translate maps one CLI output line to zero or more protocol events.
func translate(msg cliLine) []Event {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []Event{{Kind: EventSessionInit, SessionID: msg.SessionID}}
		}
		return []Event{{Kind: EventStatus, Text: msg.Subtype}}

	case "assistant":
		var events []Event
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					events = append(events, Event{Kind: EventText, Text: c.Text})
				}
			case "tool_use":
				events = append(events, Event{
					Kind:  EventToolUse,
					Tool:  c.Name,
					Input: compactJSON(c.Input),
				})
			}
		}
		return events

	case "user":
		var events []Event
		for _, c := range msg.Message.Content {
			if c.Type != "tool_result" {
				continue
			}
			kind := EventToolResult
			if c.IsError {
				kind = EventError
			}
			events = append(events, Event{
				Kind:   kind,
				Output: toolResultText(c.Content),
				Text:   toolResultText(c.Content),
			})
		}
		return events

	case "result":
		if msg.IsError {
			return []Event{
				{Kind: EventError, Text: msg.Result},
				{Kind: EventResult, Text: ""},
			}
		}
		return []Event{{Kind: EventResult, Text: msg.Result}}
	}
	return nil
}

// compactJSON renders a raw JSON value on one line, falling back to the
// raw bytes when it is not valid JSON.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// toolResultText extracts the text of a tool_result content value, which
// the CLI emits either as a plain string or as a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

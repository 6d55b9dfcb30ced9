package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeAll(t *testing.T, ndjson string) []Event {
	t.Helper()
	ch := make(chan Event, 64)
	err := decodeEvents(strings.NewReader(ndjson), ch, zap.NewNop())
	require.NoError(t, err)
	close(ch)
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestDecodeSessionInit(t *testing.T) {
	events := decodeAll(t, `{"type":"system","subtype":"init","session_id":"sess-42"}`+"\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionInit, events[0].Kind)
	assert.Equal(t, "sess-42", events[0].SessionID)
}

func TestDecodeAssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Let me check."},` +
		`{"type":"tool_use","name":"grep","input":{"pattern":"TODO"}}]}}`
	events := decodeAll(t, line+"\n")
	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "Let me check.", events[0].Text)
	assert.Equal(t, EventToolUse, events[1].Kind)
	assert.Equal(t, "grep", events[1].Tool)
	assert.Contains(t, events[1].Input, "TODO")
}

func TestDecodeToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[` +
		`{"type":"tool_result","content":"3 matches"}]}}`
	events := decodeAll(t, line+"\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventToolResult, events[0].Kind)
	assert.Equal(t, "3 matches", events[0].Output)
}

func TestDecodeToolResultBlockList(t *testing.T) {
	line := `{"type":"user","message":{"content":[` +
		`{"type":"tool_result","content":[{"type":"text","text":"ok"}]}]}}`
	events := decodeAll(t, line+"\n")
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Output)
}

func TestDecodeErrorToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[` +
		`{"type":"tool_result","is_error":true,"content":"command not found"}]}}`
	events := decodeAll(t, line+"\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "command not found", events[0].Text)
}

func TestDecodeResult(t *testing.T) {
	events := decodeAll(t, `{"type":"result","result":"All done."}`+"\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventResult, events[0].Kind)
	assert.Equal(t, "All done.", events[0].Text)
}

func TestDecodeErrorResult(t *testing.T) {
	events := decodeAll(t, `{"type":"result","is_error":true,"result":"budget exceeded"}`+"\n")
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "budget exceeded", events[0].Text)
	assert.Equal(t, EventResult, events[1].Kind)
}

func TestDecodeSkipsGarbageLines(t *testing.T) {
	ndjson := "not json at all\n" +
		`{"type":"result","result":"done"}` + "\n" +
		"\n"
	events := decodeAll(t, ndjson)
	require.Len(t, events, 1)
	assert.Equal(t, EventResult, events[0].Kind)
}

func TestDecodeFullExchange(t *testing.T) {
	ndjson := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"edit","input":{"file":"main.go"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"wrote file"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Done."}]}}`,
		`{"type":"result","result":"finished"}`,
	}, "\n") + "\n"

	events := decodeAll(t, ndjson)
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []EventKind{
		EventSessionInit, EventToolUse, EventToolResult, EventText, EventResult,
	}, kinds)
}

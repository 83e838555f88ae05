package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/fetch/internal/parser"
)

const streamTranscript = `{"type":"system","subtype":"init","session_id":"abc"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Adding the endpoint."}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Write","input":{"file_path":"src/health.ts","content":"export {}"}}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"src/index.ts","old_string":"a","new_string":"b"}}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"npm test"}}]}}
{"type":"result","subtype":"success","is_error":false,"duration_ms":1200,"result":"Added a /health endpoint and registered it."}`

func TestRenderStreamLine(t *testing.T) {
	lines := strings.Split(streamTranscript, "\n")

	assert.Equal(t, []string{"Session started: abc"}, renderStreamLine(lines[0]))
	assert.Equal(t, []string{"Adding the endpoint."}, renderStreamLine(lines[1]))
	assert.Equal(t, []string{"⏺ Write(src/health.ts)"}, renderStreamLine(lines[2]))
	assert.Equal(t, []string{"[Tool: Bash]", "  $ npm test"}, renderStreamLine(lines[4]))
	assert.Equal(t, []string{"[Status: success, Duration: 1200ms]"}, renderStreamLine(lines[5]))
	assert.Equal(t, []string{"not json"}, renderStreamLine("not json"))
}

func TestClaudeStreamJSON(t *testing.T) {
	c := NewClaude(Settings{}, true)

	ev, ok := c.ParseOutputLine(strings.Split(streamTranscript, "\n")[2])
	require.True(t, ok)
	assert.Equal(t, parser.EventFileOp, ev.Type)
	assert.Equal(t, "src/health.ts", ev.Path)

	ev, ok = c.ParseOutputLine(strings.Split(streamTranscript, "\n")[5])
	require.True(t, ok)
	assert.Equal(t, parser.EventComplete, ev.Type)

	changes := c.ExtractFileOperations(streamTranscript)
	assert.Equal(t, []string{"src/health.ts"}, changes.Created)
	assert.Equal(t, []string{"src/index.ts"}, changes.Modified)

	assert.Equal(t, "Added a /health endpoint and registered it.", c.ExtractSummary(streamTranscript))
}

func TestClaudeStreamJSONErrorResult(t *testing.T) {
	c := NewClaude(Settings{}, true)
	ev, ok := c.ParseOutputLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`)
	require.True(t, ok)
	assert.Equal(t, parser.EventError, ev.Type)
}

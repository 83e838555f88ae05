package adapter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// claudeStreamEvent is one line of Claude CLI stream-json output.
type claudeStreamEvent struct {
	Type       string               `json:"type"`
	Subtype    string               `json:"subtype,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	Message    *claudeMessage       `json:"message,omitempty"`
	Content    []claudeContentBlock `json:"content,omitempty"`
	Output     string               `json:"output,omitempty"`
	Result     string               `json:"result,omitempty"`
	Status     string               `json:"status,omitempty"`
	IsError    bool                 `json:"is_error,omitempty"`
	DurationMS int64                `json:"duration_ms,omitempty"`
	Name       string               `json:"name,omitempty"`
	Input      json.RawMessage      `json:"input,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func looksLikeJSON(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "{")
}

// renderStreamLine converts one stream-json event to the text lines the
// text output format would have printed. Tool calls that touch files are
// rendered in the Write(path)/Edit(path) form so the same markers apply.
// Lines that are not valid JSON are returned unchanged.
func renderStreamLine(line string) []string {
	var event claudeStreamEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &event); err != nil {
		return []string{line}
	}

	var out []string
	blocks := event.Content
	if event.Message != nil {
		blocks = append(blocks, event.Message.Content...)
	}

	switch event.Type {
	case "system", "init":
		if event.SessionID != "" {
			out = append(out, "Session started: "+event.SessionID)
		}
	case "assistant", "message":
		for _, block := range blocks {
			switch block.Type {
			case "text":
				out = append(out, splitText(block.Text)...)
			case "tool_use":
				out = append(out, renderToolUse(block.Name, block.Input)...)
			}
		}
	case "tool_use":
		out = append(out, renderToolUse(event.Name, event.Input)...)
	case "tool_result", "user":
		if event.Output != "" {
			for _, l := range splitText(event.Output) {
				out = append(out, "  > "+l)
			}
		}
	case "result":
		status := event.Status
		if status == "" {
			status = event.Subtype
		}
		if status != "" {
			s := "[Status: " + status
			if event.DurationMS > 0 {
				s += fmt.Sprintf(", Duration: %dms", event.DurationMS)
			}
			out = append(out, s+"]")
		}
		if event.IsError && event.Result != "" {
			out = append(out, "[Error] "+event.Result)
		}
	case "error":
		if event.Output != "" {
			out = append(out, "[Error] "+event.Output)
		}
	default:
		for _, block := range blocks {
			out = append(out, splitText(block.Text)...)
		}
	}
	return out
}

func renderToolUse(name string, input json.RawMessage) []string {
	var params map[string]any
	if len(input) > 0 {
		_ = json.Unmarshal(input, &params)
	}
	path, _ := params["file_path"].(string)
	if path == "" {
		path, _ = params["path"].(string)
	}

	switch name {
	case "Write", "Edit", "MultiEdit", "Update":
		if path != "" {
			return []string{fmt.Sprintf("⏺ %s(%s)", name, path)}
		}
	}

	out := []string{"[Tool: " + name + "]"}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := params[k]
		switch k {
		case "command":
			out = append(out, fmt.Sprintf("  $ %v", v))
		case "file_path", "path":
			out = append(out, fmt.Sprintf("  File: %v", v))
		case "content", "new_string", "old_string":
			s := fmt.Sprintf("%v", v)
			if len(s) > 200 {
				s = s[:200] + "..."
			}
			out = append(out, "  Content: "+firstLine(s))
		default:
			out = append(out, fmt.Sprintf("  %s: %v", k, v))
		}
	}
	return out
}

// streamResult returns the text of the final result event, if any.
func streamResult(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if !looksLikeJSON(lines[i]) {
			continue
		}
		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &event); err != nil {
			continue
		}
		if event.Type == "result" && !event.IsError {
			return event.Result
		}
	}
	return ""
}

func splitText(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "..."
	}
	return s
}

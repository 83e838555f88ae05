package adapter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name    string
		adapter Adapter
		command string
		args    []string
	}{
		{
			name:    "claude",
			adapter: NewClaude(Settings{Model: "sonnet"}, false),
			command: "claude",
			args: []string{"-p", "--output-format", "text", "--dangerously-skip-permissions", "--verbose",
				"--model", "sonnet", "add a health endpoint"},
		},
		{
			name:    "claude stream-json",
			adapter: NewClaude(Settings{}, true),
			command: "claude",
			args: []string{"-p", "--output-format", "stream-json", "--dangerously-skip-permissions", "--verbose",
				"add a health endpoint"},
		},
		{
			name:    "copilot",
			adapter: NewCopilot(Settings{ExtraArgs: []string{"--log-level", "none"}}),
			command: "copilot",
			args: []string{"--allow-all-tools", "--no-color", "--no-custom-instructions",
				"--log-level", "none", "-p", "add a health endpoint"},
		},
		{
			name:    "gemini",
			adapter: NewGemini(Settings{Binary: "/opt/bin/gemini", Model: "gemini-2.5-pro"}),
			command: "/opt/bin/gemini",
			args:    []string{"--yolo", "--model", "gemini-2.5-pro", "-p", "add a health endpoint"},
		},
		{
			name:    "opencode",
			adapter: NewOpenCode(Settings{Model: "anthropic/claude"}),
			command: "opencode",
			args:    []string{"run", "-m", "anthropic/claude", "add a health endpoint"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.adapter.BuildConfig("add a health endpoint", "/work/api", time.Minute)
			assert.Equal(t, tt.command, cfg.Command)
			assert.Equal(t, tt.args, cfg.Args)
			assert.Equal(t, "/work/api", cfg.WorkDir)
			assert.Equal(t, time.Minute, cfg.Timeout)
			assert.Equal(t, "1", cfg.Env["NO_COLOR"])
		})
	}
}

func TestSettingsEnvOverrides(t *testing.T) {
	a := NewGemini(Settings{Env: map[string]string{"NO_COLOR": "0", "GEMINI_API_KEY": "k"}})
	cfg := a.BuildConfig("g", "/w", 0)
	assert.Equal(t, "0", cfg.Env["NO_COLOR"])
	assert.Equal(t, "k", cfg.Env["GEMINI_API_KEY"])
}

func TestParseOutputLineAgentMarkers(t *testing.T) {
	tests := []struct {
		adapter Adapter
		line    string
		typ     parser.EventType
		op      parser.FileOp
		path    string
	}{
		{NewClaude(Settings{}, false), "⏺ Write(src/health.ts)", parser.EventFileOp, parser.FileOpCreated, "src/health.ts"},
		{NewClaude(Settings{}, false), "⏺ Update(src/router.ts)", parser.EventFileOp, parser.FileOpModified, "src/router.ts"},
		{NewClaude(Settings{}, false), "⏺ Read(package.json)", parser.EventProgress, "", ""},
		{NewClaude(Settings{}, false), "✻ Pondering…", parser.EventProgress, "", ""},
		{NewClaude(Settings{}, false), "API Error: 529 overloaded", parser.EventError, "", ""},
		{NewClaude(Settings{}, false), "Do you want to make this edit to a.go", parser.EventQuestion, "", ""},
		{NewCopilot(Settings{}), "✓ Edit src/app.ts", parser.EventFileOp, parser.FileOpModified, "src/app.ts"},
		{NewCopilot(Settings{}), "✓ Delete tmp/x.log", parser.EventFileOp, parser.FileOpDeleted, "tmp/x.log"},
		{NewCopilot(Settings{}), "✗ Run tests", parser.EventError, "", ""},
		{NewGemini(Settings{}), "Successfully modified file: /w/main.go", parser.EventFileOp, parser.FileOpModified, "/w/main.go"},
		{NewOpenCode(Settings{}), "| Write     src/db.go", parser.EventFileOp, parser.FileOpCreated, "src/db.go"},
		{NewOpenCode(Settings{}), "| Read      src/db.go", parser.EventProgress, "", ""},
		// generic fallback
		{NewOpenCode(Settings{}), "Created src/health.ts", parser.EventFileOp, parser.FileOpCreated, "src/health.ts"},
		{NewCopilot(Settings{}), "Done.", parser.EventComplete, "", ""},
	}

	for _, tt := range tests {
		ev, ok := tt.adapter.ParseOutputLine(tt.line)
		require.True(t, ok, "%s: %q", tt.adapter.Variant(), tt.line)
		assert.Equal(t, tt.typ, ev.Type, "%s: %q", tt.adapter.Variant(), tt.line)
		assert.Equal(t, tt.op, ev.Op, "%q", tt.line)
		assert.Equal(t, tt.path, ev.Path, "%q", tt.line)
	}

	_, ok := NewClaude(Settings{}, false).ParseOutputLine("   ")
	assert.False(t, ok)
}

func TestDetectQuestion(t *testing.T) {
	a := NewClaude(Settings{}, false)

	q, ok := a.DetectQuestion("Reading files\nI found two configs.\nWhich one should I use?\n")
	require.True(t, ok)
	assert.Equal(t, "Which one should I use?", q)

	q, ok = a.DetectQuestion("Which database?\nPlease confirm before I drop tables\n")
	require.True(t, ok)
	assert.Equal(t, "Which database?", q, "explicit question mark beats phrase heuristics")

	q, ok = a.DetectQuestion("Apply migration [y/N] ")
	require.True(t, ok)
	assert.Equal(t, "Apply migration [y/N]", q)

	q, ok = a.DetectQuestion("Do you want to create foo.go\n❯ 1. Yes\n  2. No\n")
	require.True(t, ok)
	assert.Equal(t, "Do you want to create foo.go", q)

	_, ok = a.DetectQuestion("Should I add tests?\nCreated src/a_test.go\nDone.\n")
	assert.False(t, ok, "activity after the question means it was answered")

	_, ok = a.DetectQuestion("Working on it\n")
	assert.False(t, ok)

	_, ok = a.DetectQuestion("")
	assert.False(t, ok)
}

func TestFormatResponse(t *testing.T) {
	for _, a := range []Adapter{NewClaude(Settings{}, false), NewCopilot(Settings{}), NewGemini(Settings{}), NewOpenCode(Settings{})} {
		assert.Equal(t, []byte("yes\n"), a.FormatResponse("  yes \n"), a.Variant())
	}
}

func TestExtractFileOperations(t *testing.T) {
	output := strings.Join([]string{
		"⏺ Read(src/index.ts)",
		"⏺ Write(src/health.ts)",
		"  ⎿  Wrote 12 lines to src/health.ts",
		"⏺ Update(src/index.ts)",
		"Deleted src/old.ts",
		"Done.",
	}, "\n")

	changes := NewClaude(Settings{}, false).ExtractFileOperations(output)
	assert.Equal(t, []string{"src/health.ts"}, changes.Created)
	assert.Equal(t, []string{"src/index.ts"}, changes.Modified)
	assert.Equal(t, []string{"src/old.ts"}, changes.Deleted)
}

func TestExtractSummaryDropsNoise(t *testing.T) {
	output := strings.Join([]string{
		"⏺ Write(src/health.ts)",
		"  ⎿  Wrote 12 lines to src/health.ts",
		"",
		"Added a GET /health route that returns ok.",
		"  ⎿  (no content)",
	}, "\n")

	assert.Equal(t, "Added a GET /health route that returns ok.", NewClaude(Settings{}, false).ExtractSummary(output))
}

func TestRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(Options{})
	require.NoError(t, err)

	assert.Equal(t, []models.AgentVariant{"claude", "copilot", "gemini", "opencode"}, r.Variants())

	a, err := r.Get(models.AgentGemini)
	require.NoError(t, err)
	assert.Equal(t, models.AgentGemini, a.Variant())

	_, err = r.Get("cursor")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = r.Get(models.AgentAuto)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistryCustomAgents(t *testing.T) {
	r, err := NewDefaultRegistry(Options{Custom: []CustomSpec{{Name: "aider", Command: "aider", Args: []string{"--message", "{goal}"}}}})
	require.NoError(t, err)
	assert.True(t, r.Has("aider"))

	_, err = NewDefaultRegistry(Options{Custom: []CustomSpec{{Name: "claude", Command: "x"}}})
	assert.Error(t, err)
	_, err = NewDefaultRegistry(Options{Custom: []CustomSpec{{Name: "auto", Command: "x"}}})
	assert.Error(t, err)
}

package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestParserSplitMidLine(t *testing.T) {
	p := New()

	var events []Event
	events = append(events, p.Write("Created src/a")...)
	assert.Empty(t, events, "partial line must stay buffered")
	events = append(events, p.Write(".ts\nDone.\n")...)

	assert.Equal(t, 2, countType(events, EventLine))
	require.Equal(t, 1, countType(events, EventFileOp))
	require.Equal(t, 1, countType(events, EventComplete))

	for _, ev := range events {
		if ev.Type == EventFileOp {
			assert.Equal(t, FileOpCreated, ev.Op)
			assert.Equal(t, "src/a.ts", ev.Path)
		}
	}
	assert.True(t, p.Completed())
	assert.Equal(t, []string{"src/a.ts"}, p.FileOperations().Created)
	assert.Equal(t, []string{"Created src/a.ts", "Done."}, p.Lines())
}

func TestParserFlushAndReset(t *testing.T) {
	p := New()
	assert.Empty(t, p.Write("Deleted old/legacy.go"))

	events := p.Flush()
	require.Equal(t, 1, countType(events, EventFileOp))
	assert.Equal(t, []string{"old/legacy.go"}, p.FileOperations().Deleted)
	assert.Nil(t, p.Flush())

	p.Reset()
	assert.Empty(t, p.Lines())
	assert.True(t, p.FileOperations().Empty())
	assert.False(t, p.Completed())
}

func TestParserForcesBreakOnLongLine(t *testing.T) {
	p := NewWithMaxLineLength(16)
	events := p.Write(strings.Repeat("x", 40))

	assert.Equal(t, 2, countType(events, EventLine))
	for _, line := range p.Lines() {
		assert.Len(t, line, 16)
	}
	events = p.Flush()
	assert.Equal(t, 1, countType(events, EventLine))
}

func TestParserForcedBreakKeepsRunes(t *testing.T) {
	p := NewWithMaxLineLength(5)
	p.Write("aaaa€€")
	p.Flush()
	for _, line := range p.Lines() {
		assert.True(t, len([]rune(line)) > 0)
		assert.NotContains(t, line, "�")
	}
	assert.Equal(t, "aaaa€€", strings.Join(p.Lines(), ""))
}

func TestParserStripsCarriageReturnAndANSI(t *testing.T) {
	p := New()
	p.Write("\x1b[32mModified\x1b[0m cmd/main.go\r\n")
	assert.Equal(t, []string{"Modified cmd/main.go"}, p.Lines())
	assert.Equal(t, []string{"cmd/main.go"}, p.FileOperations().Modified)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want EventType
	}{
		{"Should I overwrite the existing config?", EventQuestion},
		{"Apply changes [y/N]", EventQuestion},
		{"Do you want to continue? (yes/no)", EventQuestion},
		{"Please confirm the migration", EventQuestion},
		{"Confirm: drop the users table", EventQuestion},
		{"Created src/confirm.ts", EventFileOp},
		{"Modified pkg/confirm/handler.go", EventFileOp},
		{"error: cannot open package.json", EventError},
		{"fatal: not a git repository", EventError},
		{"open /etc/shadow: permission denied", EventError},
		{"command not found: pnpm", EventError},
		{"Created src/health.ts", EventFileOp},
		{"✓ Updated README.md", EventFileOp},
		{"Removed file: build/out.js", EventFileOp},
		{"Done.", EventComplete},
		{"Completed.", EventComplete},
		{"Finished", EventComplete},
		{"Task completed successfully", EventComplete},
		{"⠋ Thinking", EventProgress},
		{"Analyzing repository structure", EventProgress},
		{"Indexing 45%", EventProgress},
		{"Here is the plan", EventNone},
		{"Updated 3 files", EventNone},
		{"", EventNone},
	}

	for _, tt := range tests {
		ev, ok := Classify(tt.line)
		if tt.want == EventNone {
			assert.False(t, ok, "line %q classified as %s", tt.line, ev.Type)
			continue
		}
		require.True(t, ok, "line %q not classified", tt.line)
		assert.Equal(t, tt.want, ev.Type, "line %q", tt.line)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	ev, _ := Classify("error: config not found, continue?")
	assert.Equal(t, EventQuestion, ev.Type, "question beats error")

	ev, _ = Classify("error: could not write to src/a.ts")
	assert.Equal(t, EventError, ev.Type, "error beats file_op")

	ev, _ = Classify("Processing 40%: Created src/a.ts")
	assert.Equal(t, EventProgress, ev.Type, "file_op must start the line")

	ev, _ = Classify("Working... 75%")
	require.Equal(t, EventProgress, ev.Type)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 75, *ev.Percent)
}

func TestParseFileOperation(t *testing.T) {
	op, path, ok := ParseFileOperation("Wrote `internal/api/health.go`.")
	require.True(t, ok)
	assert.Equal(t, FileOpCreated, op)
	assert.Equal(t, "internal/api/health.go", path)

	op, path, ok = ParseFileOperation("Edited Makefile.")
	assert.False(t, ok, "bare word without / or . after trimming: %s %s", op, path)

	_, _, ok = ParseFileOperation("Updated https://example.com")
	assert.False(t, ok)
}

func TestFileSetDedupes(t *testing.T) {
	s := NewFileSet()
	s.Add(FileOpCreated, "a.go")
	s.Add(FileOpCreated, "a.go")
	s.Add(FileOpModified, "a.go")
	s.Add(FileOpModified, "b.go")
	s.Add(FileOpDeleted, "c.go")

	changes := s.Changes()
	assert.Equal(t, []string{"a.go"}, changes.Created)
	assert.Equal(t, []string{"b.go"}, changes.Modified)
	assert.Equal(t, []string{"c.go"}, changes.Deleted)
}

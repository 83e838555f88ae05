// Package parser turns raw agent output into line-level lifecycle events.
// It is agent-agnostic; adapters layer their own conventions on top.
package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/sevir/fetch/pkg/models"
)

// DefaultMaxLineLength bounds a buffered line before a break is forced.
const DefaultMaxLineLength = 8192

// EventType classifies a parsed line.
type EventType string

const (
	EventNone     EventType = ""
	EventLine     EventType = "line"
	EventQuestion EventType = "question"
	EventProgress EventType = "progress"
	EventFileOp   EventType = "file_op"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// FileOp is the kind of change a file_op event reports.
type FileOp string

const (
	FileOpCreated  FileOp = "created"
	FileOpModified FileOp = "modified"
	FileOpDeleted  FileOp = "deleted"
)

// Event is one parser emission. Every complete line produces an EventLine,
// optionally followed by a single classified event for the same line.
type Event struct {
	Type    EventType
	Line    string
	Op      FileOp
	Path    string
	Percent *int
}

// Classify returns the classified event for a single line, or false when the
// line matches no family. A line may match several families; the one emitted
// follows this precedence:
//
//	question > error > file_op > complete > progress
//
// Questions win because they block the agent. Errors outrank file operations
// so "error: could not write foo.go" is not counted as a write.
func Classify(line string) (Event, bool) {
	line = strings.TrimRight(StripANSI(line), "\r")
	if strings.TrimSpace(line) == "" {
		return Event{}, false
	}
	if IsQuestion(line) {
		return Event{Type: EventQuestion, Line: line}, true
	}
	if IsError(line) {
		return Event{Type: EventError, Line: line}, true
	}
	if op, path, ok := ParseFileOperation(line); ok {
		return Event{Type: EventFileOp, Line: line, Op: op, Path: path}, true
	}
	if IsComplete(line) {
		return Event{Type: EventComplete, Line: line}, true
	}
	if pct, ok := IsProgress(line); ok {
		return Event{Type: EventProgress, Line: line, Percent: pct}, true
	}
	return Event{}, false
}

// Parser is a streaming line classifier. It is not safe for concurrent use;
// callers keep one parser per stream.
type Parser struct {
	buf       []byte
	maxLine   int
	lines     []string
	files     *FileSet
	completed bool
}

// New returns a parser with the default line length bound.
func New() *Parser {
	return NewWithMaxLineLength(DefaultMaxLineLength)
}

// NewWithMaxLineLength returns a parser that forces a line break once max
// bytes are buffered without a newline.
func NewWithMaxLineLength(max int) *Parser {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	return &Parser{maxLine: max, files: NewFileSet()}
}

// Write feeds an arbitrary chunk and returns the events for every line the
// chunk completed. Partial trailing text stays buffered.
func (p *Parser) Write(chunk string) []Event {
	var events []Event
	p.buf = append(p.buf, chunk...)
	for {
		idx := indexNewline(p.buf)
		if idx >= 0 {
			line := string(p.buf[:idx])
			p.buf = p.buf[idx+1:]
			events = p.processLine(line, events)
			continue
		}
		if len(p.buf) < p.maxLine {
			break
		}
		cut := runeBoundary(p.buf, p.maxLine)
		line := string(p.buf[:cut])
		p.buf = p.buf[cut:]
		events = p.processLine(line, events)
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events
}

// Flush processes any buffered partial line as if the stream had ended.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := string(p.buf)
	p.buf = nil
	return p.processLine(line, nil)
}

// Reset clears every piece of state so the parser can be reused.
func (p *Parser) Reset() {
	p.buf = nil
	p.lines = nil
	p.files = NewFileSet()
	p.completed = false
}

// Lines returns the complete lines seen so far.
func (p *Parser) Lines() []string {
	return append([]string(nil), p.lines...)
}

// Output returns the line history joined with newlines.
func (p *Parser) Output() string {
	return strings.Join(p.lines, "\n")
}

// FileOperations returns the deduplicated file operations seen so far.
func (p *Parser) FileOperations() models.FileChanges {
	return p.files.Changes()
}

// Completed reports whether a completion marker has been seen.
func (p *Parser) Completed() bool {
	return p.completed
}

func (p *Parser) processLine(line string, events []Event) []Event {
	line = strings.TrimRight(StripANSI(line), "\r")
	p.lines = append(p.lines, line)
	events = append(events, Event{Type: EventLine, Line: line})

	ev, ok := Classify(line)
	if !ok {
		return events
	}
	switch ev.Type {
	case EventFileOp:
		p.files.Add(ev.Op, ev.Path)
	case EventComplete:
		p.completed = true
	}
	return append(events, ev)
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// runeBoundary returns the largest cut <= n that does not split a UTF-8
// sequence.
func runeBoundary(b []byte, n int) int {
	if n >= len(b) {
		return len(b)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	if cut == 0 {
		return n
	}
	return cut
}

package adapter

import (
	"regexp"
	"strings"
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// Claude drives the Claude Code CLI in print mode.
type Claude struct {
	base
	streamJSON bool
}

var claudePatterns = patterns{
	question: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:do you want to|would you like(?: me)? to|shall i)\b`),
	},
	errors: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*API Error\b`),
		regexp.MustCompile(`(?i)\brate limit (?:reached|exceeded)\b`),
		regexp.MustCompile(`^\[Error\]`),
	},
	fileOps: []fileOpRule{
		{regexp.MustCompile(`^\s*⏺?\s*Write\(([^)]+)\)`), parser.FileOpCreated},
		{regexp.MustCompile(`^\s*⏺?\s*(?:Edit|MultiEdit|Update)\(([^)]+)\)`), parser.FileOpModified},
		{regexp.MustCompile(`^\s*⎿\s*(?:Wrote \d+ lines to|Created)\s+(\S+)`), parser.FileOpCreated},
		{regexp.MustCompile(`^\s*⎿\s*Updated\s+(\S+)`), parser.FileOpModified},
	},
	complete: []*regexp.Regexp{
		regexp.MustCompile(`^\[Status: success\b`),
	},
	progress: []*regexp.Regexp{
		regexp.MustCompile(`^\s*[✻✽✶✳✢·]\s+\S+…`),
		regexp.MustCompile(`^\s*⏺\s*(?:Read|Search|Grep|Glob|Bash|LS|Task|WebFetch)\(`),
		regexp.MustCompile(`^\[Tool: `),
	},
	noise: []*regexp.Regexp{
		regexp.MustCompile(`^\s*⎿`),
		regexp.MustCompile(`^\[(?:Tool|Status): `),
		regexp.MustCompile(`^Session started: `),
		regexp.MustCompile(`^\s{2}(?:\$|>|File:|Content:) `),
	},
}

// NewClaude returns the Claude adapter. When streamJSON is set the CLI emits
// stream-json events which are rendered to text before classification.
func NewClaude(s Settings, streamJSON bool) *Claude {
	return &Claude{
		base:       newBase(models.AgentClaude, "claude", s, claudePatterns),
		streamJSON: streamJSON,
	}
}

func (c *Claude) BuildConfig(goal, workspace string, timeout time.Duration) harness.SpawnConfig {
	format := "text"
	if c.streamJSON {
		format = "stream-json"
	}
	args := []string{
		"-p",
		"--output-format", format,
		"--dangerously-skip-permissions",
		"--verbose",
	}
	args = appendModel(args, "--model", c.settings.Model)
	args = append(args, c.settings.ExtraArgs...)
	args = append(args, goal)
	return c.spawnConfig(args, workspace, timeout)
}

// ParseOutputLine renders stream-json events first; a rendered event may span
// several lines, in which case the highest-precedence classification wins.
func (c *Claude) ParseOutputLine(line string) (parser.Event, bool) {
	if !c.streamJSON || !looksLikeJSON(line) {
		return c.base.ParseOutputLine(line)
	}
	var best parser.Event
	found := false
	for _, text := range renderStreamLine(line) {
		ev, ok := c.base.ParseOutputLine(text)
		if ok && (!found || rank(ev.Type) < rank(best.Type)) {
			best, found = ev, true
		}
	}
	return best, found
}

func (c *Claude) DetectQuestion(recent string) (string, bool) {
	return detectQuestion(c.render(recent), c.base.ParseOutputLine, c.patterns.question)
}

func (c *Claude) ExtractFileOperations(output string) models.FileChanges {
	return extractFileOperations(c.render(output), c.base.ParseOutputLine)
}

// ExtractSummary prefers the final result event in stream-json mode.
func (c *Claude) ExtractSummary(output string) string {
	if c.streamJSON {
		if result := streamResult(output); result != "" {
			return parser.ExtractSummary(result)
		}
	}
	return c.base.ExtractSummary(c.render(output))
}

func (c *Claude) render(output string) string {
	if !c.streamJSON {
		return output
	}
	var b strings.Builder
	for _, line := range strings.Split(output, "\n") {
		if !looksLikeJSON(line) {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		for _, text := range renderStreamLine(line) {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func rank(t parser.EventType) int {
	switch t {
	case parser.EventQuestion:
		return 0
	case parser.EventError:
		return 1
	case parser.EventFileOp:
		return 2
	case parser.EventComplete:
		return 3
	case parser.EventProgress:
		return 4
	}
	return 5
}

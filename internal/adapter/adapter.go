// Package adapter holds the per-agent strategies that translate a goal into
// a process invocation and interpret that agent's output conventions.
package adapter

import (
	"regexp"
	"strings"
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// questionWindow is how many trailing non-empty lines DetectQuestion inspects.
const questionWindow = 6

// Adapter is the capability set every agent variant implements. The executor
// and pool only ever talk to agents through it.
type Adapter interface {
	Variant() models.AgentVariant
	// BuildConfig returns the exact process invocation for goal.
	BuildConfig(goal, workspace string, timeout time.Duration) harness.SpawnConfig
	// ParseOutputLine classifies one complete output line.
	ParseOutputLine(line string) (parser.Event, bool)
	// DetectQuestion inspects the tail of the output for a pending prompt.
	DetectQuestion(recent string) (string, bool)
	// FormatResponse returns the stdin payload for a user reply.
	FormatResponse(text string) []byte
	ExtractFileOperations(output string) models.FileChanges
	ExtractSummary(output string) string
}

// Settings tune a built-in adapter. Zero values select the agent defaults.
type Settings struct {
	Binary    string
	Model     string
	ExtraArgs []string
	Env       map[string]string
}

type fileOpRule struct {
	re *regexp.Regexp
	op parser.FileOp
}

// patterns are the agent-specific markers consulted before the generic
// classifier. The first capture group of a file op rule is the path.
type patterns struct {
	question []*regexp.Regexp
	errors   []*regexp.Regexp
	fileOps  []fileOpRule
	complete []*regexp.Regexp
	progress []*regexp.Regexp
	// noise lines are UI chrome dropped before summary extraction.
	noise []*regexp.Regexp
}

// base implements the shared parts of Adapter on top of the generic parser.
type base struct {
	variant  models.AgentVariant
	settings Settings
	patterns patterns
}

func newBase(variant models.AgentVariant, defaultBinary string, s Settings, p patterns) base {
	if s.Binary == "" {
		s.Binary = defaultBinary
	}
	return base{variant: variant, settings: s, patterns: p}
}

func (b *base) Variant() models.AgentVariant {
	return b.variant
}

func (b *base) spawnConfig(args []string, workspace string, timeout time.Duration) harness.SpawnConfig {
	env := map[string]string{"NO_COLOR": "1"}
	for k, v := range b.settings.Env {
		env[k] = v
	}
	return harness.SpawnConfig{
		Command: b.settings.Binary,
		Args:    args,
		Env:     env,
		WorkDir: workspace,
		Timeout: timeout,
	}
}

// ParseOutputLine consults the agent markers first, in the same precedence
// as the generic classifier, and falls back to parser.Classify.
func (b *base) ParseOutputLine(line string) (parser.Event, bool) {
	line = strings.TrimRight(parser.StripANSI(line), "\r")
	if strings.TrimSpace(line) == "" {
		return parser.Event{}, false
	}
	p := b.patterns
	switch {
	case matchAny(p.question, line):
		return parser.Event{Type: parser.EventQuestion, Line: line}, true
	case matchAny(p.errors, line):
		return parser.Event{Type: parser.EventError, Line: line}, true
	}
	for _, rule := range p.fileOps {
		if m := rule.re.FindStringSubmatch(line); m != nil {
			path := parser.CleanPath(m[1])
			if parser.LooksLikePath(path) {
				return parser.Event{Type: parser.EventFileOp, Line: line, Op: rule.op, Path: path}, true
			}
		}
	}
	switch {
	case matchAny(p.complete, line):
		return parser.Event{Type: parser.EventComplete, Line: line}, true
	case matchAny(p.progress, line):
		pct, _ := parser.IsProgress(line)
		return parser.Event{Type: parser.EventProgress, Line: line, Percent: pct}, true
	}
	return parser.Classify(line)
}

// DetectQuestion looks at the last few lines after the most recent sign of
// activity. A line ending in "?" wins over phrase heuristics.
func (b *base) DetectQuestion(recent string) (string, bool) {
	return detectQuestion(recent, b.ParseOutputLine, b.patterns.question)
}

func detectQuestion(recent string, classify func(string) (parser.Event, bool), extra []*regexp.Regexp) (string, bool) {
	lines := tailLines(recent, questionWindow)

	start := 0
	for i := len(lines) - 1; i >= 0; i-- {
		ev, ok := classify(lines[i])
		if ok && (ev.Type == parser.EventProgress || ev.Type == parser.EventComplete || ev.Type == parser.EventFileOp) {
			start = i + 1
			break
		}
	}
	lines = lines[start:]

	for i := len(lines) - 1; i >= 0; i-- {
		if explicitQuestion.MatchString(lines[i]) {
			return strings.TrimSpace(lines[i]), true
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if parser.IsQuestion(lines[i]) || matchAny(extra, lines[i]) {
			return strings.TrimSpace(lines[i]), true
		}
	}
	return "", false
}

var explicitQuestion = regexp.MustCompile(`\?\s*$`)

// FormatResponse trims the reply and terminates it with a newline.
func (b *base) FormatResponse(text string) []byte {
	return []byte(strings.TrimSpace(text) + "\n")
}

// ExtractFileOperations replays the transcript through ParseOutputLine.
func (b *base) ExtractFileOperations(output string) models.FileChanges {
	return extractFileOperations(output, b.ParseOutputLine)
}

func extractFileOperations(output string, classify func(string) (parser.Event, bool)) models.FileChanges {
	set := parser.NewFileSet()
	for _, line := range strings.Split(output, "\n") {
		if ev, ok := classify(line); ok && ev.Type == parser.EventFileOp {
			set.Add(ev.Op, ev.Path)
		}
	}
	return set.Changes()
}

// ExtractSummary drops agent UI chrome and defers to the generic extractor.
func (b *base) ExtractSummary(output string) string {
	return parser.ExtractSummary(dropLines(output, b.patterns.noise))
}

func dropLines(output string, noise []*regexp.Regexp) string {
	if len(noise) == 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !matchAny(noise, parser.StripANSI(line)) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func tailLines(s string, n int) []string {
	var out []string
	lines := strings.Split(strings.ReplaceAll(parser.StripANSI(s), "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			out = append(out, lines[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func appendModel(args []string, flag, model string) []string {
	if model == "" {
		return args
	}
	return append(args, flag, model)
}

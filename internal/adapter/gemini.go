package adapter

import (
	"regexp"
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// Gemini drives the Gemini CLI in prompt mode.
type Gemini struct {
	base
}

var geminiPatterns = patterns{
	question: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:allow execution|apply this change)\b`),
	},
	errors: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*\[API Error`),
		regexp.MustCompile(`(?i)quota exceeded`),
	},
	fileOps: []fileOpRule{
		{regexp.MustCompile(`(?i)^\s*[✔✓]?\s*WriteFile\s+(?:Writing to\s+)?(\S+)`), parser.FileOpCreated},
		{regexp.MustCompile(`(?i)^\s*[✔✓]?\s*Edit\s+(\S+)`), parser.FileOpModified},
		{regexp.MustCompile(`(?i)^\s*Successfully (?:created and wrote to new file|overwrote file):?\s+(\S+)`), parser.FileOpCreated},
		{regexp.MustCompile(`(?i)^\s*Successfully modified file:?\s+(\S+)`), parser.FileOpModified},
	},
	progress: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*[✔✓]?\s*(?:ReadFile|ReadManyFiles|ReadFolder|FindFiles|SearchText|Shell)\b`),
	},
	noise: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*Loaded cached credentials`),
		regexp.MustCompile(`(?i)^\s*Data collection is disabled`),
	},
}

func NewGemini(s Settings) *Gemini {
	return &Gemini{base: newBase(models.AgentGemini, "gemini", s, geminiPatterns)}
}

func (g *Gemini) BuildConfig(goal, workspace string, timeout time.Duration) harness.SpawnConfig {
	args := []string{"--yolo"}
	args = appendModel(args, "--model", g.settings.Model)
	args = append(args, g.settings.ExtraArgs...)
	args = append(args, "-p", goal)
	return g.spawnConfig(args, workspace, timeout)
}

package adapter

import (
	"regexp"
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// OpenCode drives `opencode run`.
type OpenCode struct {
	base
}

var openCodePatterns = patterns{
	errors: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:ProviderModelNotFoundError|AI_APICallError)`),
	},
	fileOps: []fileOpRule{
		{regexp.MustCompile(`(?i)^\s*\|?\s*Write\s+(\S+)`), parser.FileOpCreated},
		{regexp.MustCompile(`(?i)^\s*\|?\s*Edit\s+(\S+)`), parser.FileOpModified},
		{regexp.MustCompile(`(?i)^\s*\|?\s*Patch\s+(\S+)`), parser.FileOpModified},
	},
	progress: []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*\|?\s*(?:Read|Glob|Grep|List|Bash|Todo\w*)\s`),
	},
	noise: []*regexp.Regexp{
		regexp.MustCompile(`^\s*\|\s`),
	},
}

func NewOpenCode(s Settings) *OpenCode {
	return &OpenCode{base: newBase(models.AgentOpenCode, "opencode", s, openCodePatterns)}
}

func (o *OpenCode) BuildConfig(goal, workspace string, timeout time.Duration) harness.SpawnConfig {
	args := []string{"run"}
	args = appendModel(args, "-m", o.settings.Model)
	args = append(args, o.settings.ExtraArgs...)
	args = append(args, goal)
	return o.spawnConfig(args, workspace, timeout)
}

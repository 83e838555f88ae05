package adapter

import (
	"regexp"
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// Copilot drives the GitHub Copilot CLI.
type Copilot struct {
	base
}

var copilotPatterns = patterns{
	errors: []*regexp.Regexp{
		regexp.MustCompile(`^\s*✗\s`),
	},
	fileOps: []fileOpRule{
		{regexp.MustCompile(`^\s*[✓✔]?\s*Create\s+(\S+)`), parser.FileOpCreated},
		{regexp.MustCompile(`^\s*[✓✔]?\s*Edit\s+(\S+)`), parser.FileOpModified},
		{regexp.MustCompile(`^\s*[✓✔]?\s*Delete\s+(\S+)`), parser.FileOpDeleted},
	},
	progress: []*regexp.Regexp{
		regexp.MustCompile(`^\s*[●○◉]\s`),
		regexp.MustCompile(`^\s*[✓✔]\s*(?:Read|View|List|Search|Run)\b`),
	},
	noise: []*regexp.Regexp{
		regexp.MustCompile(`^\s*[│└├]`),
		regexp.MustCompile(`(?i)^\s*total usage est`),
		regexp.MustCompile(`(?i)^\s*(?:total duration|usage by model)`),
	},
}

func NewCopilot(s Settings) *Copilot {
	return &Copilot{base: newBase(models.AgentCopilot, "copilot", s, copilotPatterns)}
}

func (c *Copilot) BuildConfig(goal, workspace string, timeout time.Duration) harness.SpawnConfig {
	args := []string{
		"--allow-all-tools",
		"--no-color",
		"--no-custom-instructions",
	}
	args = appendModel(args, "--model", c.settings.Model)
	args = append(args, c.settings.ExtraArgs...)
	args = append(args, "-p", goal)

	cfg := c.spawnConfig(args, workspace, timeout)
	cfg.Env["COPILOT_ALLOW_ALL"] = "1"
	return cfg
}

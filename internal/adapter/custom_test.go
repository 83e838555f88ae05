package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

func TestCustomBuildConfig(t *testing.T) {
	c, err := NewCustom(CustomSpec{
		Name:    "script",
		Command: "sh",
		Args:    []string{"-c", "echo working in {workspace}: {goal}"},
		Stdin:   "{goal}\n",
		Env:     map[string]string{"MODE": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.AgentVariant("script"), c.Variant())

	cfg := c.BuildConfig("fix bug", "/repo", 5*time.Second)
	assert.Equal(t, "sh", cfg.Command)
	assert.Equal(t, []string{"-c", "echo working in /repo: fix bug"}, cfg.Args)
	assert.Equal(t, "fix bug\n", cfg.Stdin)
	assert.Equal(t, "/repo", cfg.WorkDir)
	assert.Equal(t, "test", cfg.Env["MODE"])
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestCustomPatterns(t *testing.T) {
	c, err := NewCustom(CustomSpec{
		Name:             "bot",
		Command:          "bot",
		QuestionPatterns: []string{`^>>> `},
		CreatedPatterns:  []string{`^\+\+ (\S+)`},
		CompletePatterns: []string{`^BOT FINISHED$`},
	})
	require.NoError(t, err)

	ev, ok := c.ParseOutputLine("++ pkg/new.go")
	require.True(t, ok)
	assert.Equal(t, parser.EventFileOp, ev.Type)
	assert.Equal(t, "pkg/new.go", ev.Path)

	ev, ok = c.ParseOutputLine("BOT FINISHED")
	require.True(t, ok)
	assert.Equal(t, parser.EventComplete, ev.Type)

	q, ok := c.DetectQuestion("thinking hard\n>>> pick a branch name\n")
	require.True(t, ok)
	assert.Equal(t, ">>> pick a branch name", q)
}

func TestCustomValidation(t *testing.T) {
	_, err := NewCustom(CustomSpec{Command: "x"})
	assert.Error(t, err)

	_, err = NewCustom(CustomSpec{Name: "x"})
	assert.Error(t, err)

	_, err = NewCustom(CustomSpec{Name: "x", Command: "x", QuestionPatterns: []string{"("}})
	assert.Error(t, err)

	_, err = NewCustom(CustomSpec{Name: "x", Command: "x", DeletedPatterns: []string{`^rm \S+`}})
	assert.Error(t, err, "file patterns need a capture group")
}

func TestCustomFileRulesOrder(t *testing.T) {
	c, err := NewCustom(CustomSpec{
		Name:             "bot",
		Command:          "bot",
		DeletedPatterns:  []string{`^touched (\S+)`},
		ModifiedPatterns: []string{`^touched (\S+)`},
		CreatedPatterns:  []string{`^touched (\S+)`},
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ev, ok := c.ParseOutputLine("touched pkg/a.go")
		require.True(t, ok)
		assert.Equal(t, parser.FileOpCreated, ev.Op, "created rules are tried first")
	}
}

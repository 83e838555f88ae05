package adapter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// CustomSpec describes a config-defined agent. Args and Stdin may contain the
// {goal} and {workspace} placeholders.
type CustomSpec struct {
	Name             string
	Command          string
	Args             []string
	Stdin            string
	Env              map[string]string
	QuestionPatterns []string
	CreatedPatterns  []string
	ModifiedPatterns []string
	DeletedPatterns  []string
	CompletePatterns []string
}

// Custom is an adapter built entirely from configuration.
type Custom struct {
	base
	args  []string
	stdin string
}

// NewCustom validates spec and compiles its patterns. Every file pattern must
// have one capture group holding the path.
func NewCustom(spec CustomSpec) (*Custom, error) {
	if spec.Name == "" {
		return nil, errors.New("custom agent requires a name")
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("custom agent %q requires a command", spec.Name)
	}

	var p patterns
	var err error
	if p.question, err = compileAll(spec.QuestionPatterns); err != nil {
		return nil, fmt.Errorf("custom agent %q question pattern: %w", spec.Name, err)
	}
	if p.complete, err = compileAll(spec.CompletePatterns); err != nil {
		return nil, fmt.Errorf("custom agent %q complete pattern: %w", spec.Name, err)
	}
	// Rules are tried in this order, so a line matching several kinds is
	// always reported the same way.
	for _, group := range []struct {
		op    parser.FileOp
		exprs []string
	}{
		{parser.FileOpCreated, spec.CreatedPatterns},
		{parser.FileOpModified, spec.ModifiedPatterns},
		{parser.FileOpDeleted, spec.DeletedPatterns},
	} {
		op := group.op
		res, err := compileAll(group.exprs)
		if err != nil {
			return nil, fmt.Errorf("custom agent %q %s pattern: %w", spec.Name, op, err)
		}
		for _, re := range res {
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("custom agent %q %s pattern %q needs a path capture group", spec.Name, op, re)
			}
			p.fileOps = append(p.fileOps, fileOpRule{re: re, op: op})
		}
	}

	s := Settings{Binary: spec.Command, Env: spec.Env}
	return &Custom{
		base:  newBase(models.AgentVariant(spec.Name), spec.Command, s, p),
		args:  spec.Args,
		stdin: spec.Stdin,
	}, nil
}

func (c *Custom) BuildConfig(goal, workspace string, timeout time.Duration) harness.SpawnConfig {
	r := strings.NewReplacer("{goal}", goal, "{workspace}", workspace)
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = r.Replace(a)
	}
	cfg := c.spawnConfig(args, workspace, timeout)
	if c.stdin != "" {
		cfg.Stdin = r.Replace(c.stdin)
	}
	return cfg
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

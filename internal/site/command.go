package site

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
)

// Command is everything needed to spawn one worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Rejected lists extra arguments dropped by the allow-list pattern.
	Rejected []string
}

// Argv returns the full argument vector including the program path.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// CommandBuilder produces the worker invocation for a site and options.
type CommandBuilder interface {
	Build(s Site, opts domain.ExportOptions) (Command, error)
}

// WorkerCommandBuilder invokes a single worker program with per-site flags.
type WorkerCommandBuilder struct {
	program   string
	baseArgs  []string
	env       []string
	workDir   string
	extraArgs *regexp.Regexp
}

// NewWorkerCommandBuilder compiles the extra-argument allow-list. An empty
// pattern rejects every extra argument.
func NewWorkerCommandBuilder(cfg config.WorkerConfig) (*WorkerCommandBuilder, error) {
	var re *regexp.Regexp
	if cfg.ExtraArgsPattern != "" {
		var err error
		re, err = regexp.Compile(cfg.ExtraArgsPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid worker.extra_args_pattern: %w", err)
		}
	}
	return &WorkerCommandBuilder{
		program:   cfg.Program,
		baseArgs:  append([]string(nil), cfg.Args...),
		env:       append([]string(nil), cfg.Env...),
		workDir:   cfg.WorkDir,
		extraArgs: re,
	}, nil
}

func (b *WorkerCommandBuilder) Build(s Site, opts domain.ExportOptions) (Command, error) {
	if strings.TrimSpace(b.program) == "" {
		return Command{}, fmt.Errorf("worker program is not configured")
	}

	args := append([]string(nil), b.baseArgs...)
	args = append(args, "--site", s.Name)
	if s.ExportDir != "" {
		args = append(args, "--output", s.ExportDir)
	}
	if opts.Concurrency > 0 {
		args = append(args, "--concurrency", strconv.Itoa(opts.Concurrency))
	}
	if opts.Resume {
		args = append(args, "--resume")
	}
	if opts.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(opts.Limit))
	}
	args = append(args, s.Args...)

	var rejected []string
	for _, a := range opts.ExtraArgs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if b.extraArgs == nil || !b.extraArgs.MatchString(a) {
			rejected = append(rejected, a)
			continue
		}
		args = append(args, a)
	}

	env := append(os.Environ(), b.env...)
	env = append(env, s.Env...)
	env = append(env, "EXPORT_SITE="+s.Name)

	return Command{
		Path:     b.program,
		Args:     args,
		Env:      env,
		Dir:      b.workDir,
		Rejected: rejected,
	}, nil
}

package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/creack/pty"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// Environment variables passed to command stages.
const (
	EnvRunID    = "GOVERNOR_RUN_ID"
	EnvStage    = "GOVERNOR_STAGE"
	EnvParams   = "GOVERNOR_PARAMS"
	EnvUpstream = "GOVERNOR_UPSTREAM"
)

const (
	// maxProgressLine bounds a single streamed output line.
	maxProgressLine = 4096
	// outputGrace is how long output is still collected after the child
	// exits, for descendants that inherited its stdout.
	outputGrace = 2 * time.Second
)

// CommandSpec describes an external process stage.
type CommandSpec struct {
	Argv    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
	TTY     bool
	// Inputs are globs that must each match at least one file before start.
	Inputs []string
	// Outputs are globs that must each match at least one file after a
	// zero exit.
	Outputs []string
}

// FileEntry is one produced file in an output manifest.
type FileEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type"`
}

// Command runs a stage as a child process. Output lines are streamed as
// progress; declared outputs are checked on disk, never assumed.
type Command struct {
	name   Name
	spec   CommandSpec
	log    *zap.Logger
	hasher *utils.Hasher
}

// NewCommand creates a command collaborator.
func NewCommand(name Name, spec CommandSpec, logger *zap.Logger) *Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{
		name:   name,
		spec:   spec,
		log:    logger.With(zap.String("stage", string(name))),
		hasher: utils.DefaultHasher(),
	}
}

func (c *Command) Name() Name { return c.name }

// Spec returns the command description.
func (c *Command) Spec() CommandSpec { return c.spec }

func (c *Command) Invoke(ctx context.Context, in Input) Result {
	if len(c.spec.Argv) == 0 {
		return Failure("no command configured for stage %s", c.name)
	}

	inputs, err := c.resolve(c.spec.Inputs)
	if err != nil {
		return Failure("input check failed: %v", err)
	}

	if c.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.spec.Timeout)
		defer cancel()
	}

	env, err := c.environ(in)
	if err != nil {
		return Failure("prepare environment: %v", err)
	}

	cmd := exec.CommandContext(ctx, c.spec.Argv[0], c.spec.Argv[1:]...)
	cmd.Dir = c.spec.Dir
	cmd.Env = env
	cmd.WaitDelay = outputGrace

	started := time.Now()
	c.log.Info("starting stage command",
		zap.String("run_id", string(in.RunID)),
		zap.Strings("argv", c.spec.Argv),
		zap.Bool("tty", c.spec.TTY))

	lines := 0
	report := func(line string) {
		lines++
		in.Reporter.Progress(truncateLine(line), map[string]interface{}{"stream": "output", "line": lines})
	}

	var runErr error
	if c.spec.TTY {
		runErr = c.runPTY(cmd, report)
	} else {
		runErr = c.runPiped(cmd, report)
	}
	elapsed := time.Since(started)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Failure("timed out after %s", c.spec.Timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Failure("command exited with status %d", exitErr.ExitCode())
		}
		return Failure("command failed: %v", runErr)
	}

	files, err := c.manifest()
	if err != nil {
		return Failure("output check failed: %v", err)
	}

	c.log.Info("stage command finished",
		zap.String("run_id", string(in.RunID)),
		zap.Duration("elapsed", elapsed),
		zap.Int("outputs", len(files)))

	manifest := make([]interface{}, 0, len(files))
	for _, f := range files {
		manifest = append(manifest, map[string]interface{}{
			"path":         f.Path,
			"size":         f.Size,
			"sha256":       f.SHA256,
			"content_type": f.ContentType,
		})
	}
	return Success(map[string]interface{}{
		"exit_code":    0,
		"duration_ms":  elapsed.Milliseconds(),
		"output_lines": lines,
		"inputs":       toInterfaces(inputs),
		"files":        manifest,
	})
}

func (c *Command) runPiped(cmd *exec.Cmd, report func(string)) error {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanLines(pr, report)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		wg.Wait()
		return err
	}
	err := cmd.Wait()
	pw.Close()
	wg.Wait()
	return err
}

func (c *Command) runPTY(cmd *exec.Cmd, report func(string)) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Reading the master returns EIO once the child side closes.
		scanLines(ptmx, report)
	}()

	err = cmd.Wait()
	select {
	case <-done:
	case <-time.After(outputGrace):
	}
	ptmx.Close()
	<-done
	return err
}

func scanLines(r io.Reader, report func(string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			report(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// Drain so the child never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

func truncateLine(s string) string {
	if len(s) <= maxProgressLine {
		return s
	}
	return s[:maxProgressLine] + "...(truncated)"
}

func (c *Command) environ(in Input) ([]string, error) {
	params, err := sonic.Marshal(in.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	upstream := make(map[string]interface{}, len(in.Upstream))
	for k, v := range in.Upstream {
		upstream[string(k)] = v
	}
	up, err := sonic.Marshal(upstream)
	if err != nil {
		return nil, fmt.Errorf("encode upstream outputs: %w", err)
	}

	env := os.Environ()
	keys := make([]string, 0, len(c.spec.Env))
	for k := range c.spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.spec.Env[k])
	}
	if c.spec.TTY {
		env = append(env, "TERM=xterm-256color")
	}
	env = append(env,
		EnvRunID+"="+string(in.RunID),
		EnvStage+"="+string(c.name),
		EnvParams+"="+string(params),
		EnvUpstream+"="+string(up),
	)
	return env, nil
}

// resolve expands globs relative to the working directory. Every pattern
// must match at least one file.
func (c *Command) resolve(patterns []string) ([]string, error) {
	var out []string
	for _, pattern := range patterns {
		full := pattern
		if !filepath.IsAbs(pattern) && c.spec.Dir != "" {
			full = filepath.Join(c.spec.Dir, pattern)
		}
		matches, err := doublestar.FilepathGlob(full, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no file matches %q", pattern)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return dedupe(out), nil
}

func (c *Command) manifest() ([]FileEntry, error) {
	paths, err := c.resolve(c.spec.Outputs)
	if err != nil {
		return nil, err
	}
	entries := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		sum, size, err := c.hasher.HashFile(p)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", p, err)
		}
		contentType := "application/octet-stream"
		if mt, err := mimetype.DetectFile(p); err == nil {
			contentType = mt.String()
		}
		rel := p
		if c.spec.Dir != "" {
			if r, err := filepath.Rel(c.spec.Dir, p); err == nil && !strings.HasPrefix(r, "..") {
				rel = r
			}
		}
		entries = append(entries, FileEntry{Path: filepath.ToSlash(rel), Size: size, SHA256: sum, ContentType: contentType})
	}
	return entries, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

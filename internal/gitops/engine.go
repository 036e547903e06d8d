// internal/gitops/engine.go
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
)

const (
	stagePrepare = "prepare"
	stageClone   = "clone"
	stagePush    = "push"

	waitDelay = 5 * time.Second
)

// Options configures the Engine.
type Options struct {
	TempDir      string
	CloneDepth   int
	CloneTimeout time.Duration
	PushTimeout  time.Duration
	// GitBinary defaults to "git" on PATH.
	GitBinary string
}

// Engine copies a repository from a source remote to a target remote through a
// throwaway local clone.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if opts.GitBinary == "" {
		opts.GitBinary = "git"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Engine{opts: opts, logger: logger}
}

// Transfer clones sourceURL and pushes it to pushURL. With a branch only that
// branch is copied; otherwise every branch and tag is. The working directory is
// removed before Transfer returns, whatever the outcome.
func (e *Engine) Transfer(ctx context.Context, sourceURL, pushURL, branch string) (model.TransferStats, error) {
	start := time.Now()
	logger := e.logger.With("source", sourceURL, "branch", branch)

	if err := os.MkdirAll(e.opts.TempDir, 0o755); err != nil {
		return model.TransferStats{}, &custom_errors.ErrTransfer{Stage: stagePrepare, Err: err}
	}
	workDir, err := os.MkdirTemp(e.opts.TempDir, "sync-*")
	if err != nil {
		return model.TransferStats{}, &custom_errors.ErrTransfer{Stage: stagePrepare, Err: err}
	}
	defer e.cleanup(workDir)

	repoDir := filepath.Join(workDir, "repo")
	secrets := []string{pushURL}

	logger.Info("Cloning repository", "depth", e.opts.CloneDepth)
	if err := e.runStage(ctx, stageClone, e.opts.CloneTimeout, "", secrets, e.cloneArgs(sourceURL, branch, repoDir)...); err != nil {
		return model.TransferStats{}, err
	}

	logger.Info("Pushing repository to target")
	for _, args := range pushCommands(pushURL, branch) {
		if err := e.runStage(ctx, stagePush, e.opts.PushTimeout, repoDir, secrets, args...); err != nil {
			return model.TransferStats{}, err
		}
	}

	size, err := dirSize(repoDir)
	if err != nil {
		logger.Warn("Could not measure clone size", "error", err)
	}
	stats := model.TransferStats{BytesTransferred: size, Duration: time.Since(start)}
	logger.Info("Transfer completed", "bytes", stats.BytesTransferred, "duration", stats.Duration.String())
	return stats, nil
}

func (e *Engine) cloneArgs(sourceURL, branch, dir string) []string {
	args := []string{"clone", "--quiet"}
	if e.opts.CloneDepth > 0 {
		args = append(args, "--depth", strconv.Itoa(e.opts.CloneDepth))
		if branch == "" {
			args = append(args, "--no-single-branch")
		}
	}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	return append(args, sourceURL, dir)
}

func pushCommands(pushURL, branch string) [][]string {
	if branch != "" {
		ref := "refs/heads/" + branch
		return [][]string{{"push", "--quiet", pushURL, ref + ":" + ref}}
	}
	return [][]string{
		// origin/HEAD would otherwise be pushed as a branch called HEAD.
		{"remote", "set-head", "origin", "--delete"},
		{"push", "--quiet", pushURL, "refs/remotes/origin/*:refs/heads/*"},
		{"push", "--quiet", pushURL, "--tags"},
	}
}

// runStage runs one git command under its own timeout. Output and arguments are
// scrubbed of secrets before they reach an error message.
func (e *Engine) runStage(ctx context.Context, stage string, timeout time.Duration, dir string, secrets []string, args ...string) error {
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(stageCtx, e.opts.GitBinary, fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &custom_errors.ErrTransfer{Stage: stage, Err: fmt.Errorf("timed out after %s", timeout)}
	}
	msg := fmt.Sprintf("git %s: %v (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	return &custom_errors.ErrTransfer{Stage: stage, Err: errors.New(redact(msg, secrets))}
}

func (e *Engine) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("Failed to remove transfer working directory", "dir", dir, "error", err)
	}
}

func redact(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		u, err := url.Parse(secret)
		if err != nil || u.User == nil {
			s = strings.ReplaceAll(s, secret, "[redacted]")
			continue
		}
		s = strings.ReplaceAll(s, secret, u.Redacted())
		if pw, ok := u.User.Password(); ok && pw != "" {
			s = strings.ReplaceAll(s, pw, "xxxxx")
		}
	}
	return s
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Package git fetches repositories into scratch directories for scanning.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

type Runner interface {
	Run(ctx context.Context, req executor.Request) (executor.Result, error)
}

type Provider struct {
	runner     Runner
	binary     string
	workDir    string
	timeout    time.Duration
	maxRetries uint64
	newBO      func() backoff.BackOff
	log        *zap.Logger
}

type Config struct {
	Binary     string
	WorkDir    string
	Timeout    time.Duration
	MaxRetries uint64
}

func NewProvider(runner Runner, cfg Config, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	p := &Provider{
		runner:     runner,
		binary:     cfg.Binary,
		workDir:    cfg.WorkDir,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		log:        log,
	}
	p.newBO = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Second
		return backoff.WithMaxRetries(bo, p.maxRetries)
	}
	return p
}

// Path is where the clone for scan id lives.
func (p *Provider) Path(id domain.ScanID) string {
	return filepath.Join(p.workDir, "scan-"+string(id))
}

// Clone performs a shallow clone of url. Network failures are retried;
// auth and not-found failures are not.
func (p *Provider) Clone(ctx context.Context, url string, id domain.ScanID) (string, error) {
	dir := p.Path(id)
	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return "", &domain.CloneError{URL: url, Reason: domain.CloneReasonUnknown, Err: err}
	}

	log := p.log.With(zap.String("scan_id", string(id)), zap.String("repo_url", url))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		// a failed attempt can leave a partial checkout behind
		if err := os.RemoveAll(dir); err != nil {
			return backoff.Permanent(&domain.CloneError{URL: url, Reason: domain.CloneReasonUnknown, Err: err})
		}

		_, err := p.runner.Run(ctx, executor.Request{
			Tool:    "git",
			Binary:  p.binary,
			Args:    []string{"clone", "--depth=1", url, dir},
			Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
			Timeout: p.timeout,
		})
		if err == nil {
			return nil
		}

		cloneErr := classify(url, err)
		if cloneErr.Reason != domain.CloneReasonNetwork || ctx.Err() != nil {
			return backoff.Permanent(cloneErr)
		}
		log.Warn("clone attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return cloneErr
	}, backoff.WithContext(p.newBO(), ctx))
	if err != nil {
		_ = os.RemoveAll(dir)
		var cloneErr *domain.CloneError
		if !errors.As(err, &cloneErr) {
			cloneErr = &domain.CloneError{URL: url, Reason: domain.CloneReasonUnknown, Err: err}
		}
		log.Error("clone failed", zap.String("reason", cloneErr.Reason), zap.Error(err))
		return "", cloneErr
	}

	log.Info("repository cloned", zap.String("path", dir), zap.Int("attempts", attempt))
	return dir, nil
}

// Remove deletes the clone for scan id.
func (p *Provider) Remove(id domain.ScanID) error {
	if err := os.RemoveAll(p.Path(id)); err != nil {
		return fmt.Errorf("remove clone: %w", err)
	}
	return nil
}

var (
	authMarkers = []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"permission denied",
		"invalid username or password",
	}
	notFoundMarkers = []string{
		"repository not found",
		"not found",
		"does not appear to be a git repository",
		"does not exist",
	}
	networkMarkers = []string{
		"could not resolve host",
		"connection timed out",
		"connection refused",
		"connection reset",
		"operation timed out",
		"early eof",
		"the remote end hung up unexpectedly",
		"failed to connect",
		"network is unreachable",
		"tls",
	}
)

func classify(url string, err error) *domain.CloneError {
	reason := domain.CloneReasonUnknown

	var execErr *domain.ToolExecutionError
	if errors.As(err, &execErr) {
		stderr := strings.ToLower(execErr.Stderr)
		switch {
		case execErr.Timeout:
			reason = domain.CloneReasonNetwork
		case execErr.Cancelled:
			reason = domain.CloneReasonUnknown
		case containsAny(stderr, authMarkers):
			reason = domain.CloneReasonAuth
		case containsAny(stderr, notFoundMarkers):
			reason = domain.CloneReasonNotFound
		case containsAny(stderr, networkMarkers):
			reason = domain.CloneReasonNetwork
		}
	}
	return &domain.CloneError{URL: url, Reason: reason, Err: err}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

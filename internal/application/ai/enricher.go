package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bryanwahyu/repo-guardian/internal/domain/ai"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/ai/prompt"
)

const (
	DefaultMaxInputBytes = 3000
	DefaultTimeout       = 60 * time.Second
	defaultRetries       = 2
)

var risks = map[string]bool{"critical": true, "high": true, "medium": true, "low": true, "info": true}

// Enricher turns a normalized tool result into a risk analysis. It never
// fails a caller: on any problem it returns the fallback analysis along with
// an *EnrichmentError describing why.
type Enricher struct {
	client   ai.Client
	maxInput int
	timeout  time.Duration
	newBO    func() backoff.BackOff
	log      *zap.Logger
}

type Option func(*Enricher)

func WithMaxInputBytes(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.maxInput = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBackOff overrides the retry policy for transient provider errors.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(e *Enricher) { e.newBO = f }
}

// NewEnricher builds an Enricher. A nil client disables enrichment.
func NewEnricher(client ai.Client, log *zap.Logger, opts ...Option) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Enricher{
		client:   client,
		maxInput: DefaultMaxInputBytes,
		timeout:  DefaultTimeout,
		log:      log,
	}
	e.newBO = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxElapsedTime = e.timeout
		return backoff.WithMaxRetries(bo, defaultRetries)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enricher) Analyze(ctx context.Context, tool string, result *domain.NormalizedResult) (domain.Analysis, error) {
	if e.client == nil {
		return domain.FallbackAnalysis(), &domain.EnrichmentError{Tool: tool, Err: domain.ErrEnrichmentDisabled}
	}

	input, err := e.input(result)
	if err != nil {
		return e.fallback(tool, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var text string
	err = backoff.Retry(func() error {
		var err error
		text, err = e.client.Complete(ctx, prompt.GetSystemPrompt(), prompt.GetUserPrompt(tool, input))
		if err != nil {
			if errors.Is(err, ai.ErrQuotaExceeded) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			e.log.Debug("enrichment attempt failed", zap.String("tool", tool), zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(e.newBO(), ctx))
	if err != nil {
		return e.fallback(tool, err)
	}

	analysis, err := ParseAnalysis(text)
	if err != nil {
		return e.fallback(tool, err)
	}
	e.log.Debug("enrichment done",
		zap.String("tool", tool),
		zap.Int("result_size", len(input)),
		zap.Int("summary_size", len(analysis.Summary)),
	)
	return analysis, nil
}

// input serializes the result without the raw payload and caps it.
func (e *Enricher) input(result *domain.NormalizedResult) (string, error) {
	if result == nil {
		return "", errors.New("nil result")
	}
	view := *result
	view.RawOutput = nil
	b, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return Truncate(string(b), e.maxInput), nil
}

func (e *Enricher) fallback(tool string, err error) (domain.Analysis, error) {
	e.log.Warn("enrichment failed, using fallback", zap.String("tool", tool), zap.Error(err))
	return domain.FallbackAnalysis(), &domain.EnrichmentError{Tool: tool, Err: err}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ParseAnalysis decodes a model reply into an Analysis. Code fences and
// prose around the JSON object are tolerated.
func ParseAnalysis(text string) (domain.Analysis, error) {
	body := stripFences(text)
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var a domain.Analysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return domain.Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	a.Summary = strings.TrimSpace(a.Summary)
	if a.Summary == "" {
		return domain.Analysis{}, errors.New("analysis has empty summary")
	}

	findings := make([]domain.AnalysisFinding, 0, len(a.Findings))
	for _, f := range a.Findings {
		risk := strings.ToLower(strings.TrimSpace(f.Risk))
		if risk == "" {
			continue
		}
		if !risks[risk] {
			risk = "info"
		}
		f.Risk = risk
		if f.Solution == nil {
			f.Solution = []string{}
		}
		findings = append(findings, f)
	}
	a.Findings = findings
	return a, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

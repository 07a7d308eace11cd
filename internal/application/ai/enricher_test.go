package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bryanwahyu/repo-guardian/internal/domain/ai"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

type MockClient struct{ mock.Mock }

func (m *MockClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt)
	return args.String(0), args.Error(1)
}

func noWait() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }

func sampleResult() *domain.NormalizedResult {
	return &domain.NormalizedResult{
		Tool:      "trivy",
		Kind:      domain.KindVulnerabilities,
		Findings:  []json.RawMessage{json.RawMessage(`{"VulnerabilityID":"CVE-1","Severity":"HIGH"}`)},
		Counts:    domain.SeverityCounts{High: 1, Total: 1},
		RawOutput: json.RawMessage(`{"Results":[]}`),
	}
}

const validReply = `{"summary":"One high severity CVE.","findings":[{"risk":"HIGH","description":"CVE-1 in x","impact":"RCE","solution":["upgrade x"]}]}`

func TestAnalyzeSuccess(t *testing.T) {
	client := new(MockClient)
	client.On("Complete", mock.Anything, mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "trivy") && strings.Contains(p, "CVE-1") && !strings.Contains(p, "raw_output")
	})).Return(validReply, nil).Once()
	e := NewEnricher(client, zap.NewNop(), WithBackOff(noWait))

	a, err := e.Analyze(context.Background(), "trivy", sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "One high severity CVE.", a.Summary)
	require.Len(t, a.Findings, 1)
	assert.Equal(t, "high", a.Findings[0].Risk)
	assert.Equal(t, []string{"upgrade x"}, a.Findings[0].Solution)
	client.AssertExpectations(t)
}

func TestAnalyzeRetriesTransientErrors(t *testing.T) {
	client := new(MockClient)
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("connection reset")).Once()
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return(validReply, nil).Once()
	e := NewEnricher(client, zap.NewNop(), WithBackOff(noWait))

	a, err := e.Analyze(context.Background(), "trivy", sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "One high severity CVE.", a.Summary)
	client.AssertNumberOfCalls(t, "Complete", 2)
}

func TestAnalyzeQuotaIsNotRetried(t *testing.T) {
	client := new(MockClient)
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("", ai.ErrQuotaExceeded)
	e := NewEnricher(client, zap.NewNop(), WithBackOff(noWait))

	a, err := e.Analyze(context.Background(), "trivy", sampleResult())
	assert.Equal(t, domain.FallbackAnalysis(), a)
	var enrichErr *domain.EnrichmentError
	require.ErrorAs(t, err, &enrichErr)
	assert.ErrorIs(t, err, ai.ErrQuotaExceeded)
	client.AssertNumberOfCalls(t, "Complete", 1)
}

func TestAnalyzeFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "malformed json", reply: "I think the results look fine."},
		{name: "empty summary", reply: `{"summary":"  ","findings":[]}`},
		{name: "persistent provider error", err: errors.New("503 service unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(MockClient)
			client.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return(tt.reply, tt.err)
			e := NewEnricher(client, zap.NewNop(), WithBackOff(noWait))

			a, err := e.Analyze(context.Background(), "semgrep", sampleResult())
			assert.Equal(t, domain.FallbackSummary, a.Summary)
			assert.NotNil(t, a.Findings)
			assert.Empty(t, a.Findings)
			var enrichErr *domain.EnrichmentError
			require.ErrorAs(t, err, &enrichErr)
			assert.Equal(t, "semgrep", enrichErr.Tool)
		})
	}
}

func TestAnalyzeDisabled(t *testing.T) {
	e := NewEnricher(nil, zap.NewNop())

	a, err := e.Analyze(context.Background(), "trivy", sampleResult())
	assert.Equal(t, domain.FallbackAnalysis(), a)
	assert.ErrorIs(t, err, domain.ErrEnrichmentDisabled)
}

func TestAnalyzeTimeout(t *testing.T) {
	client := new(MockClient)
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded)
	e := NewEnricher(client, zap.NewNop(), WithTimeout(50*time.Millisecond), WithBackOff(noWait))

	start := time.Now()
	a, err := e.Analyze(context.Background(), "trivy", sampleResult())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.FallbackSummary, a.Summary)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnalyzeTruncatesInput(t *testing.T) {
	big := sampleResult()
	for i := 0; i < 500; i++ {
		big.Findings = append(big.Findings, json.RawMessage(`{"msg":"ünïcödé finding"}`))
	}
	var sent string
	client := new(MockClient)
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.String(2) }).
		Return(validReply, nil)
	e := NewEnricher(client, zap.NewNop(), WithMaxInputBytes(1000), WithBackOff(noWait))

	_, err := e.Analyze(context.Background(), "trivy", big)
	require.NoError(t, err)
	assert.Less(t, len(sent), 1000+len("Summarize the scan results below from trivy and respond with the JSON per schema.\n\nScan output:\n")+1)
	assert.True(t, utf8.ValidString(sent))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	// "é" is two bytes; cutting inside it backs off to the rune start.
	assert.Equal(t, "a", Truncate("aé", 2))
	assert.Equal(t, "aé", Truncate("aé", 3))
}

func TestParseAnalysis(t *testing.T) {
	fenced := "```json\n" + validReply + "\n```"
	a, err := ParseAnalysis(fenced)
	require.NoError(t, err)
	assert.Equal(t, "One high severity CVE.", a.Summary)

	a, err = ParseAnalysis(`Here you go: {"summary":"s","findings":[{"risk":""},{"risk":"Severe","description":"d"}]}`)
	require.NoError(t, err)
	require.Len(t, a.Findings, 1)
	assert.Equal(t, "info", a.Findings[0].Risk)
	assert.Equal(t, []string{}, a.Findings[0].Solution)
}

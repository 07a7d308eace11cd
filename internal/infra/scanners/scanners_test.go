package scanners

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

type fakeRunner struct {
	handle func(req executor.Request) (executor.Result, error)
	reqs   []executor.Request
}

func (f *fakeRunner) Run(_ context.Context, req executor.Request) (executor.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.handle(req)
}

func stdoutRunner(out string) *fakeRunner {
	return &fakeRunner{handle: func(executor.Request) (executor.Result, error) {
		return executor.Result{Stdout: []byte(out)}, nil
	}}
}

// reportRunner writes body to the report file the tool was asked to produce.
func reportRunner(t *testing.T, file, body string) *fakeRunner {
	return &fakeRunner{handle: func(req executor.Request) (executor.Result, error) {
		require.NotEmpty(t, req.ReportDir)
		require.NoError(t, os.WriteFile(filepath.Join(req.ReportDir, file), []byte(body), 0o600))
		return executor.Result{}, nil
	}}
}

func testBase(name string, r Runner) base {
	return base{name: name, binary: known[name].binary, timeout: time.Minute, runner: r, log: zap.NewNop()}
}

func TestBuild(t *testing.T) {
	disabled := false
	tools := []config.ToolConfig{
		{Name: "trivy", Timeout: time.Minute},
		{Name: "snyk", Enabled: &disabled},
		{Name: "semgrep", Timeout: 2 * time.Minute, Binary: "/opt/semgrep"},
		{Name: "gitleaks"},
	}

	descs, err := Build(tools, stdoutRunner(""), nil)
	require.NoError(t, err)
	require.Len(t, descs, 3)
	assert.Equal(t, "trivy", descs[0].Name)
	assert.Equal(t, "semgrep", descs[1].Name)
	assert.Equal(t, "gitleaks", descs[2].Name)
	assert.Equal(t, 2*time.Minute, descs[1].Timeout)
	assert.Equal(t, "/opt/semgrep", descs[1].Adapter.(*semgrep).binary)
}

func TestBuildUnknownTool(t *testing.T) {
	_, err := Build([]config.ToolConfig{{Name: "bandit"}}, stdoutRunner(""), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandit")
}

func TestBuildKnowsEveryName(t *testing.T) {
	for _, name := range Names() {
		_, ok := known[name]
		assert.True(t, ok, name)
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := map[string]string{
		"CRITICAL":   "critical",
		"Blocker":    "critical",
		"Defcon1":    "critical",
		"ERROR":      "high",
		"high":       "high",
		"MAJOR":      "high",
		"WARNING":    "medium",
		"moderate":   "medium",
		"INFO":       "low",
		"Negligible": "low",
		"":           "low",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSeverity(in), in)
	}
}

func TestSemgrep(t *testing.T) {
	out := `{"results":[
		{"check_id":"a","path":"x.go","extra":{"severity":"ERROR","message":"sqli"}},
		{"check_id":"b","path":"y.go","extra":{"severity":"WARNING","message":"weak"}}
	],"errors":[]}`
	r := stdoutRunner(out)
	a := newSemgrep(testBase("semgrep", r), config.ToolConfig{})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, domain.KindFindings, res.Kind)
	assert.Len(t, res.Findings, 2)
	assert.Equal(t, domain.SeverityCounts{High: 1, Medium: 1, Total: 2}, res.Counts)
	assert.NotEmpty(t, res.RawOutput)

	require.Len(t, r.reqs, 1)
	assert.Equal(t, "/repo", r.reqs[0].Target)
	assert.Contains(t, r.reqs[0].Args, executor.TargetPlaceholder)
	assert.Contains(t, r.reqs[0].Args, "auto")
}

func TestSemgrepEmptyOutputIsNoFindings(t *testing.T) {
	a := newSemgrep(testBase("semgrep", stdoutRunner("  \n")), config.ToolConfig{})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	require.NotNil(t, res.Findings)
	assert.Empty(t, res.Findings)
	assert.Zero(t, res.Counts.Total)
}

func TestSemgrepGarbageOutput(t *testing.T) {
	a := newSemgrep(testBase("semgrep", stdoutRunner("Traceback (most recent call last):")), config.ToolConfig{})

	_, err := a.Invoke(context.Background(), "/repo")
	var outErr *domain.ToolOutputError
	require.ErrorAs(t, err, &outErr)
	assert.Equal(t, "semgrep", outErr.Tool)
	assert.Contains(t, outErr.Preview, "Traceback")
}

func TestAdapterPropagatesExecutionError(t *testing.T) {
	r := &fakeRunner{handle: func(req executor.Request) (executor.Result, error) {
		return executor.Result{ExitCode: 2}, &domain.ToolExecutionError{Tool: req.Tool, ExitCode: 2, Stderr: "bad flag"}
	}}
	a := newTrivy(testBase("trivy", r), config.ToolConfig{})

	_, err := a.Invoke(context.Background(), "/repo")
	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.ExitCode)
}

func TestGitleaksReport(t *testing.T) {
	body := `[{"RuleID":"aws-access-key","File":"a.env","Secret":"AKIA"},{"RuleID":"github-pat","File":"b.env"}]`
	r := reportRunner(t, gitleaksReport, body)
	a := newGitleaks(testBase("gitleaks", r), config.ToolConfig{})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, domain.KindLeaks, res.Kind)
	assert.Len(t, res.Findings, 2)
	assert.Equal(t, 2, res.Counts.High)

	args := strings.Join(r.reqs[0].Args, " ")
	assert.Contains(t, args, "--source "+executor.TargetPlaceholder)
	assert.Contains(t, args, executor.ReportPlaceholder+"/"+gitleaksReport)
	_, statErr := os.Stat(r.reqs[0].ReportDir)
	assert.True(t, os.IsNotExist(statErr), "report dir removed after invoke")
}

func TestGitleaksNoReportMeansNoLeaks(t *testing.T) {
	a := newGitleaks(testBase("gitleaks", stdoutRunner("")), config.ToolConfig{})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Warning)
}

func TestGitleaksLeakCountWithoutJSON(t *testing.T) {
	a := newGitleaks(testBase("gitleaks", stdoutRunner("WRN leaks found: 3")), config.ToolConfig{})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, "Found 3 leaks but could not parse details", res.Warning)
}

func TestTrivy(t *testing.T) {
	out := `{"SchemaVersion":2,"Results":[
		{"Target":"go.sum","Vulnerabilities":[{"VulnerabilityID":"CVE-1","Severity":"CRITICAL"},{"VulnerabilityID":"CVE-2","Severity":"HIGH"}]},
		{"Target":"package-lock.json","Vulnerabilities":[{"VulnerabilityID":"CVE-3","Severity":"LOW"}]},
		{"Target":"Dockerfile","Misconfigurations":[{"ID":"DS002","Severity":"HIGH"}]}
	]}`
	a := newTrivy(testBase("trivy", stdoutRunner(out)), config.ToolConfig{})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, domain.KindVulnerabilities, res.Kind)
	assert.Len(t, res.Findings, 3)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, High: 1, Low: 1, Total: 3}, res.Counts)
	assert.Contains(t, res.Extra, "misconfigurations")
}

func TestTrivyIsDeterministic(t *testing.T) {
	out := `{"Results":[{"Vulnerabilities":[{"VulnerabilityID":"CVE-1","Severity":"MEDIUM"}]}]}`
	a := newTrivy(testBase("trivy", stdoutRunner(out)), config.ToolConfig{})

	first, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	second, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, first.Findings, second.Findings)
	assert.Equal(t, first.Counts, second.Counts)
}

func TestSnyk(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		findings int
		counts   domain.SeverityCounts
	}{
		{
			name:     "single project",
			out:      `{"vulnerabilities":[{"id":"SNYK-1","severity":"high"}],"dependencyCount":12,"projectName":"api"}`,
			findings: 1,
			counts:   domain.SeverityCounts{High: 1, Total: 1},
		},
		{
			name: "all projects",
			out: `[{"vulnerabilities":[{"id":"SNYK-1","severity":"medium"}],"projectName":"api"},
			       {"vulnerabilities":[{"id":"SNYK-2","severity":"critical"},{"id":"SNYK-3","severity":"low"}],"path":"web"}]`,
			findings: 3,
			counts:   domain.SeverityCounts{Critical: 1, Medium: 1, Low: 1, Total: 3},
		},
		{
			name:   "empty",
			out:    "",
			counts: domain.SeverityCounts{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := stdoutRunner(tt.out)
			a := newSnyk(testBase("snyk", r), config.ToolConfig{})

			res, err := a.Invoke(context.Background(), "/repo")
			require.NoError(t, err)
			assert.Len(t, res.Findings, tt.findings)
			assert.Equal(t, tt.counts, res.Counts)
			assert.Equal(t, "/repo", r.reqs[0].Dir)
			assert.Equal(t, []int{0, 1}, r.reqs[0].OKExitCodes)
		})
	}
}

func TestSonarQube(t *testing.T) {
	body := `{"issues":[{"rule":"r1","severity":"BLOCKER"},{"rule":"r2","severity":"MAJOR"},{"rule":"r3","severity":"MINOR"}],
		"hotspots":[{"key":"h1"}],"metrics":{"coverage":"71.2"}}`
	r := reportRunner(t, sonarReport, body)
	cfg := config.ToolConfig{Settings: map[string]string{"token": "sqa_x", "host_url": "http://sonar:9000"}}
	a := newSonarQube(testBase("sonarqube", r), cfg)

	res, err := a.Invoke(context.Background(), "/tmp/repo-scans/scan-42")
	require.NoError(t, err)
	assert.Equal(t, domain.KindIssues, res.Kind)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, High: 1, Low: 1, Total: 3}, res.Counts)
	assert.Len(t, res.Extra["hotspots"], 1)
	assert.Contains(t, res.Extra, "metrics")

	args := r.reqs[0].Args
	assert.Contains(t, args, "-Dsonar.projectKey=scan-42")
	assert.Contains(t, args, "-Dsonar.login=sqa_x")
	assert.Contains(t, args, "-Dsonar.host.url=http://sonar:9000")
}

func TestNikto(t *testing.T) {
	body := `{"host":"localhost","port":"8080","scan_time":"12s","vulnerabilities":[{"id":"1","msg":"x"},{"id":"2","msg":"y"}]}`
	r := reportRunner(t, niktoReport, body)
	a := newNikto(testBase("nikto", r), config.ToolConfig{Settings: map[string]string{"target_url": "http://app:3000"}})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Len(t, res.Findings, 2)
	assert.Equal(t, 2, res.Counts.Medium)
	assert.Equal(t, []string{"localhost"}, res.Extra["host"])
	assert.Contains(t, r.reqs[0].Args, "http://app:3000")
}

func TestClair(t *testing.T) {
	body := `{"image":"app:latest","unapproved":["CVE-9"],
		"vulnerabilities":[{"vulnerability":"CVE-9","severity":"Defcon1"},{"vulnerability":"CVE-8","severity":"Negligible"}],
		"layers":[{"digest":"sha256:1"}]}`
	r := reportRunner(t, clairReport, body)
	a := newClair(testBase("clair", r), config.ToolConfig{Settings: map[string]string{"image": "app:latest"}})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, Low: 1, Total: 2}, res.Counts)
	assert.Len(t, res.Extra["layers"], 1)
	assert.Equal(t, "app:latest", r.reqs[0].Args[len(r.reqs[0].Args)-1])
}

func TestReportToolsFailWithoutReport(t *testing.T) {
	tests := []struct {
		name  string
		build func(Runner) domain.Adapter
	}{
		{
			name: "sonarqube",
			build: func(r Runner) domain.Adapter {
				cfg := config.ToolConfig{Settings: map[string]string{"token": "sqa_x", "host_url": "http://sonar:9000"}}
				return newSonarQube(testBase("sonarqube", r), cfg)
			},
		},
		{
			name: "clair",
			build: func(r Runner) domain.Adapter {
				return newClair(testBase("clair", r), config.ToolConfig{Settings: map[string]string{"image": "app:latest"}})
			},
		},
		{
			name: "nikto",
			build: func(r Runner) domain.Adapter {
				return newNikto(testBase("nikto", r), config.ToolConfig{Settings: map[string]string{"target_url": "http://app:3000"}})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.build(stdoutRunner(""))

			res, err := a.Invoke(context.Background(), t.TempDir())
			assert.Nil(t, res)
			var outErr *domain.ToolOutputError
			require.ErrorAs(t, err, &outErr)
			assert.Equal(t, tt.name, outErr.Tool)
			assert.Contains(t, err.Error(), "not produced")
		})
	}
}

func TestEmptyReportMeansNoFindings(t *testing.T) {
	r := reportRunner(t, clairReport, "")
	a := newClair(testBase("clair", r), config.ToolConfig{Settings: map[string]string{"image": "app:latest"}})

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

func TestAnchore(t *testing.T) {
	r := &fakeRunner{handle: func(req executor.Request) (executor.Result, error) {
		switch {
		case req.Args[0] == "--json" && req.Args[1] == "evaluate":
			return executor.Result{Stdout: []byte(`[{"sha256:abc":{"app:latest":[{"status":"fail"}]}}]`), ExitCode: 1}, nil
		case req.Args[0] == "--json" && req.Args[1] == "image":
			return executor.Result{Stdout: []byte(`{"imageDigest":"sha256:abc","vulnerabilities":[{"vuln":"CVE-1","severity":"High"}]}`)}, nil
		default:
			return executor.Result{}, nil
		}
	}}
	cfg := config.ToolConfig{Settings: map[string]string{"image": "app:latest", "engine_url": "http://anchore:8228"}}
	a := newAnchore(testBase("anchore", r), cfg)

	res, err := a.Invoke(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCounts{High: 1, Total: 1}, res.Counts)
	assert.Equal(t, "sha256:abc", res.Extra["image_digest"])
	assert.Contains(t, res.Extra, "policy_checks")

	require.Len(t, r.reqs, 4)
	assert.Equal(t, []string{"image", "add", "app:latest"}, r.reqs[0].Args)
	assert.Equal(t, "http://anchore:8228", r.reqs[2].Env["ANCHORE_CLI_URL"])
	assert.Equal(t, []int{0, 1}, r.reqs[2].OKExitCodes)
}

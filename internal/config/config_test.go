package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  driver: memory\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 3000, cfg.OpenAI.MaxInputBytes)
	assert.Equal(t, 60*time.Second, cfg.OpenAI.Timeout)
	require.Len(t, cfg.Tools, 3)
	assert.Equal(t, "semgrep", cfg.Tools[0].Name)
	assert.Equal(t, "gitleaks", cfg.Tools[1].Name)
	assert.Equal(t, "trivy", cfg.Tools[2].Name)
	assert.Equal(t, 15*time.Minute, cfg.Tools[0].Timeout)
	assert.True(t, cfg.Tools[0].IsEnabled())
}

func TestLoadParsesTools(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  driver: sqlite
tools:
  - name: trivy
    timeout: 90s
    image: aquasec/trivy:0.50.0
  - name: sonarqube
    enabled: false
    settings:
      host_url: http://sonar:9000
`))
	require.NoError(t, err)

	require.Len(t, cfg.Tools, 2)
	assert.Equal(t, 90*time.Second, cfg.Tools[0].Timeout)
	assert.Equal(t, "aquasec/trivy:0.50.0", cfg.Tools[0].Image)
	assert.False(t, cfg.Tools[1].IsEnabled())
	assert.Equal(t, "http://sonar:9000", cfg.Tools[1].Setting("host_url", ""))
	assert.Equal(t, "fallback", cfg.Tools[1].Setting("missing", "fallback"))
	assert.Equal(t, "repo-guardian.db", cfg.Database.Path)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("SONAR_TOKEN", "sqa_token")

	cfg, err := Load(writeConfig(t, `
database:
  driver: postgres
  password: from-file
tools:
  - name: sonarqube
`))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "sqa_token", cfg.Tools[0].Setting("token", ""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown driver", "database:\n  driver: oracle\n", "unsupported database driver"},
		{"duplicate tool", "database:\n  driver: memory\ntools:\n  - name: trivy\n  - name: trivy\n", "duplicate tool"},
		{"unnamed tool", "database:\n  driver: memory\ntools:\n  - binary: x\n", "without name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDSN(t *testing.T) {
	var cfg Config
	cfg.Database.User = "app"
	cfg.Database.Password = "pw"
	cfg.Database.Host = "db"
	cfg.Database.Port = 3306
	cfg.Database.Name = "guardian"

	assert.Equal(t, "app:pw@tcp(db:3306)/guardian?parseTime=true&charset=utf8mb4&loc=UTC&multiStatements=true", cfg.MySQLDSN())
	assert.Contains(t, cfg.PostgresDSN(), "sslmode=disable")
}

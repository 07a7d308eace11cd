package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"readTimeout"`
		WriteTimeout    time.Duration `yaml:"writeTimeout"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		CORSOrigins     []string      `yaml:"corsOrigins"`
		RateLimit       struct {
			RequestsPerMinute int `yaml:"requestsPerMinute"`
			Burst             int `yaml:"burst"`
		} `yaml:"rateLimit"`
		APIKeys []string `yaml:"apiKeys"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | sqlite | memory
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		Path     string `yaml:"path"`
		SSLMode  string `yaml:"sslMode"`
		Migrate  bool   `yaml:"migrate"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey        string        `yaml:"apiKey"`
		Model         string        `yaml:"model"`
		BaseURL       string        `yaml:"baseURL"`
		Timeout       time.Duration `yaml:"timeout"`
		MaxInputBytes int           `yaml:"maxInputBytes"`
		MaxTokens     int           `yaml:"maxTokens"`
	} `yaml:"openai"`

	Orchestrator struct {
		Concurrency    int           `yaml:"concurrency"`
		DefaultTimeout time.Duration `yaml:"defaultTimeout"`
		WriteTimeout   time.Duration `yaml:"writeTimeout"`
	} `yaml:"orchestrator"`

	Git struct {
		Binary       string        `yaml:"binary"`
		WorkDir      string        `yaml:"workDir"`
		CloneTimeout time.Duration `yaml:"cloneTimeout"`
		MaxRetries   uint64        `yaml:"maxRetries"`
		KeepClones   bool          `yaml:"keepClones"`
	} `yaml:"git"`

	Executor struct {
		DockerBinary   string `yaml:"dockerBinary"`
		MaxOutputBytes int    `yaml:"maxOutputBytes"`
	} `yaml:"executor"`

	Tools []ToolConfig `yaml:"tools"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"log"`

	Telemetry struct {
		OTLPEndpoint string `yaml:"otlpEndpoint"`
		ServiceName  string `yaml:"serviceName"`
	} `yaml:"telemetry"`
}

// ToolConfig configures one scanner in execution order.
type ToolConfig struct {
	Name     string            `yaml:"name"`
	Enabled  *bool             `yaml:"enabled"`
	Binary   string            `yaml:"binary"`
	Image    string            `yaml:"image"`
	Timeout  time.Duration     `yaml:"timeout"`
	Args     []string          `yaml:"args"`
	Settings map[string]string `yaml:"settings"`
}

func (t ToolConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// Setting returns a tool setting or def when unset.
func (t ToolConfig) Setting(key, def string) string {
	if v, ok := t.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

var drivers = map[string]bool{"mysql": true, "postgres": true, "sqlite": true, "memory": true}

// Load baca file config.yaml, then .env and environment overrides
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.Database.Password, "DB_PASSWORD")
	setFromEnv(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setFromEnv(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	if token := os.Getenv("SONAR_TOKEN"); token != "" {
		for i := range c.Tools {
			if c.Tools[i].Name != "sonarqube" {
				continue
			}
			if c.Tools[i].Settings == nil {
				c.Tools[i].Settings = map[string]string{}
			}
			c.Tools[i].Settings["token"] = token
		}
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = 60
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "repo-guardian.db"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = 60 * time.Second
	}
	if c.OpenAI.MaxInputBytes == 0 {
		c.OpenAI.MaxInputBytes = 3000
	}
	if c.OpenAI.MaxTokens == 0 {
		c.OpenAI.MaxTokens = 500
	}
	if c.Orchestrator.Concurrency <= 0 {
		c.Orchestrator.Concurrency = 1
	}
	if c.Orchestrator.DefaultTimeout == 0 {
		c.Orchestrator.DefaultTimeout = 15 * time.Minute
	}
	if c.Orchestrator.WriteTimeout == 0 {
		c.Orchestrator.WriteTimeout = 10 * time.Second
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	if c.Git.WorkDir == "" {
		c.Git.WorkDir = "/tmp/repo-scans"
	}
	if c.Git.CloneTimeout == 0 {
		c.Git.CloneTimeout = 5 * time.Minute
	}
	if c.Git.MaxRetries == 0 {
		c.Git.MaxRetries = 3
	}
	if c.Executor.DockerBinary == "" {
		c.Executor.DockerBinary = "docker"
	}
	if len(c.Tools) == 0 {
		for _, name := range []string{"semgrep", "gitleaks", "trivy"} {
			c.Tools = append(c.Tools, ToolConfig{Name: name})
		}
	}
	for i := range c.Tools {
		if c.Tools[i].Timeout == 0 {
			c.Tools[i].Timeout = c.Orchestrator.DefaultTimeout
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "repo-guardian"
	}
}

// Validate checks invariants that defaults cannot fix.
func (c *Config) Validate() error {
	if !drivers[c.Database.Driver] {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if t.Name == "" {
			return errors.New("tool entry without name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC&multiStatements=true",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	ssl := c.Database.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		ssl,
	)
}

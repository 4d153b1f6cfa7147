// Package config assembles run settings from defaults, an optional YAML file,
// the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nadmax/scholarq/internal/identity"
	"github.com/nadmax/scholarq/internal/session"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	CSVFile         string `yaml:"csv_file"`
	Workers         int    `yaml:"workers"`
	IdentityLimit   int    `yaml:"identity_limit"`
	MaxRetries      int    `yaml:"max_retries"`
	Continue        bool   `yaml:"continue"`
	LogDir          string `yaml:"log_dir"`
	RunDir          string `yaml:"run_dir"`
	ResumeExhausted bool   `yaml:"resume_exhausted"`
	OutputDir       string `yaml:"output_dir"`

	RetryWait        time.Duration `yaml:"retry_wait"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	CompletionPoll   time.Duration `yaml:"completion_poll"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`

	Tor struct {
		SOCKSAddr         string        `yaml:"socks_addr"`
		ControlAddr       string        `yaml:"control_addr"`
		Password          string        `yaml:"password"`
		SettleWait        time.Duration `yaml:"settle_wait"`
		IPCheckURL        string        `yaml:"ip_check_url"`
		SerializeRotation bool          `yaml:"serialize_rotation"`

		// Launch starts a local tor when the control port does not answer.
		Launch         bool          `yaml:"launch"`
		Binary         string        `yaml:"binary"`
		StartupTimeout time.Duration `yaml:"startup_timeout"`
	} `yaml:"tor"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Email struct {
		To          string `yaml:"to"`
		APIKey      string `yaml:"api_key"`
		FromName    string `yaml:"from_name"`
		FromAddress string `yaml:"from_address"`
	} `yaml:"email"`
}

func Default() *Config {
	c := &Config{
		CSVFile:          "researchers.csv",
		Workers:          10,
		IdentityLimit:    10,
		MaxRetries:       5,
		LogDir:           "logs",
		OutputDir:        "Researcher_Profiles",
		RetryWait:        20 * time.Second,
		PollTimeout:      5 * time.Second,
		CompletionPoll:   10 * time.Second,
		ProgressInterval: 30 * time.Second,
		JoinTimeout:      30 * time.Second,
		BackoffBase:      2 * time.Second,
		BackoffMax:       60 * time.Second,
		RequestTimeout:   20 * time.Second,
		LogLevel:         "info",
	}
	c.Tor.SOCKSAddr = identity.DefaultSOCKSAddr
	c.Tor.ControlAddr = identity.DefaultControlAddr
	c.Tor.SettleWait = identity.DefaultSettleWait
	c.Tor.IPCheckURL = identity.DefaultIPCheckURL
	c.Tor.SerializeRotation = true
	c.Tor.Launch = true
	c.Tor.Binary = identity.DefaultTorBinary
	c.Tor.StartupTimeout = identity.DefaultStartupTimeout
	return c
}

// Load starts from Default, overlays the YAML file at path (or $CFG_PATH when
// path is empty) if any, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CFG_PATH")
	}
	if path != "" {
		buff, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(buff, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.CSVFile, "SCHOLARQ_CSV_FILE")
	setString(&c.LogDir, "SCHOLARQ_LOG_DIR")
	setString(&c.OutputDir, "SCHOLARQ_OUTPUT_DIR")
	setString(&c.LogLevel, "SCHOLARQ_LOG_LEVEL")
	setString(&c.MetricsAddr, "SCHOLARQ_METRICS_ADDR")
	setString(&c.Tor.SOCKSAddr, "SCHOLARQ_TOR_SOCKS_ADDR")
	setString(&c.Tor.ControlAddr, "SCHOLARQ_TOR_CONTROL_ADDR")
	setString(&c.Tor.Password, "SCHOLARQ_TOR_PASSWORD")
	setString(&c.Tor.Binary, "SCHOLARQ_TOR_BINARY")
	setString(&c.Email.To, "SCHOLARQ_REPORT_EMAIL")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.PostgresDSN, "POSTGRES_DSN")
	setString(&c.Email.APIKey, "EMAIL_API_KEY")
	setString(&c.Email.FromName, "FROM_NAME")
	setString(&c.Email.FromAddress, "FROM_ADDRESS")

	for env, dst := range map[string]*int{
		"SCHOLARQ_WORKERS":        &c.Workers,
		"SCHOLARQ_IDENTITY_LIMIT": &c.IdentityLimit,
		"SCHOLARQ_MAX_RETRIES":    &c.MaxRetries,
	} {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalid, env, v)
			}
			*dst = n
		}
	}

	if v := os.Getenv("SCHOLARQ_RESUME_EXHAUSTED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SCHOLARQ_RESUME_EXHAUSTED=%q", ErrInvalid, v)
		}
		c.ResumeExhausted = b
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.CSVFile, "csv-file", c.CSVFile, "CSV file with name and google_scholar_url columns")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of concurrent workers")
	fs.IntVar(&c.IdentityLimit, "ip-limit", c.IdentityLimit, "Maximum successful scrapes per exit identity")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Maximum attempts per researcher")
	fs.BoolVar(&c.Continue, "continue", c.Continue, "Continue from the latest run directory")
	fs.StringVar(&c.LogDir, "log-base", c.LogDir, "Base directory holding run_* directories")
	fs.StringVar(&c.RunDir, "log-dir", c.RunDir, "Specific run directory to continue from")
	fs.BoolVar(&c.ResumeExhausted, "resume-exhausted", c.ResumeExhausted, "Retry researchers that exhausted their attempts in a previous run")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "Directory for downloaded profiles")
	fs.DurationVar(&c.RetryWait, "retry-wait", c.RetryWait, "Wait after rotating identity before a retry")
	fs.DurationVar(&c.JoinTimeout, "join-timeout", c.JoinTimeout, "Time to wait for workers on shutdown")
	fs.StringVar(&c.Tor.Password, "tor-password", c.Tor.Password, "Tor control port password")
	fs.BoolVar(&c.Tor.Launch, "launch-tor", c.Tor.Launch, "Start a local tor if the control port does not answer")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Store checkpoints in Redis at this address instead of the run directory")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "Record attempt history in Postgres")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "HTTP address for metrics and status views")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.Email.To, "report-email", c.Email.To, "Email the final report to this address")
}

func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalid, c.Workers)
	case c.IdentityLimit <= 0:
		return fmt.Errorf("%w: ip limit must be positive, got %d", ErrInvalid, c.IdentityLimit)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: max retries must be positive, got %d", ErrInvalid, c.MaxRetries)
	case c.PollTimeout <= 0 || c.CompletionPoll <= 0 || c.ProgressInterval <= 0 || c.JoinTimeout <= 0:
		return fmt.Errorf("%w: poll, progress and join intervals must be positive", ErrInvalid)
	case c.RetryWait < 0 || c.BackoffBase < 0 || c.BackoffMax < 0:
		return fmt.Errorf("%w: waits cannot be negative", ErrInvalid)
	case c.RunDir != "" && !c.Continue:
		return fmt.Errorf("%w: -log-dir requires -continue", ErrInvalid)
	}
	return nil
}

// Session maps the settings onto a coordinator config. location is where a
// fresh run writes; resumeFrom is set when continuing a previous run.
func (c *Config) Session(location, resumeFrom string) session.Config {
	return session.Config{
		WorkerCount:       c.Workers,
		PerIdentityLimit:  c.IdentityLimit,
		MaxRetriesPerTask: c.MaxRetries,
		Location:          location,
		ResumeFrom:        resumeFrom,
		ResumeExhausted:   c.ResumeExhausted,
		PollTimeout:       c.PollTimeout,
		RetryWait:         c.RetryWait,
		CompletionPoll:    c.CompletionPoll,
		ProgressInterval:  c.ProgressInterval,
		JoinTimeout:       c.JoinTimeout,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
	}
}

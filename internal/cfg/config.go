// Package cfg loads and validates the TOML configuration file.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefGithubHost      = "github.com"
	DefLogFormat       = "logfmt"
	DefLogLevel        = "info"
	DefStagingInterval = time.Minute
	DefCheckInterval   = 30 * time.Second
	DefDrainInterval   = 10 * time.Second
)

type Config struct {
	GithubAPIToken string `toml:"github_api_token"`
	// GithubHost is the hostname of the git remotes, defaults to
	// github.com. Overridable for GitHub Enterprise installations.
	GithubHost string `toml:"github_host"`

	HTTPListenAddr string `toml:"http_server_listen_addr"`

	DatabaseDSN   string `toml:"database_dsn"`
	MigrationsDir string `toml:"migrations_dir"`
	// MirrorDir is the directory the bare repository mirrors are kept in.
	MirrorDir string `toml:"mirror_dir"`

	// BotName/BotEmail is the committer identity of generated commits.
	BotName  string `toml:"bot_name"`
	BotEmail string `toml:"bot_email"`

	// Uniquifiers enables synthetic commits for repositories that are part
	// of a staging without contributing changes.
	Uniquifiers bool `toml:"uniquifiers"`

	// MergeAge is the retention window of merged pull request branches
	// before they are deleted, e.g. "336h". Empty uses the built-in
	// default.
	MergeAge string `toml:"merge_age"`

	// The intervals are Go duration strings ("30s", "2m"). Empty fields
	// use the defaults.
	StagingInterval string `toml:"staging_interval"`
	CheckInterval   string `toml:"check_interval"`
	DrainInterval   string `toml:"drain_interval"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`
}

// Load reads a TOML config, fills in defaults and validates it.
func Load(reader io.Reader) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var result Config
	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if result.GithubHost == "" {
		result.GithubHost = DefGithubHost
	}
	if result.LogFormat == "" {
		result.LogFormat = DefLogFormat
	}
	if result.LogLevel == "" {
		result.LogLevel = DefLogLevel
	}

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) validate() error {
	if c.GithubAPIToken == "" {
		return errors.New("github_api_token must be set")
	}
	if c.DatabaseDSN == "" {
		return errors.New("database_dsn must be set")
	}
	if c.MirrorDir == "" {
		return errors.New("mirror_dir must be set")
	}
	if c.BotName == "" || c.BotEmail == "" {
		return errors.New("bot_name and bot_email must be set")
	}

	for _, d := range []struct {
		name, val string
	}{
		{"merge_age", c.MergeAge},
		{"staging_interval", c.StagingInterval},
		{"check_interval", c.CheckInterval},
		{"drain_interval", c.DrainInterval},
	} {
		if _, err := parseDuration(d.val, 0); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	return nil
}

func parseDuration(val string, def time.Duration) (time.Duration, error) {
	if val == "" {
		return def, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", val)
	}

	return d, nil
}

// mustDuration is only safe after validate() accepted the value.
func mustDuration(val string, def time.Duration) time.Duration {
	d, err := parseDuration(val, def)
	if err != nil {
		panic(err)
	}

	return d
}

func (c *Config) StagingIntervalDuration() time.Duration {
	return mustDuration(c.StagingInterval, DefStagingInterval)
}

func (c *Config) CheckIntervalDuration() time.Duration {
	return mustDuration(c.CheckInterval, DefCheckInterval)
}

func (c *Config) DrainIntervalDuration() time.Duration {
	return mustDuration(c.DrainInterval, DefDrainInterval)
}

// MergeAgeDuration returns the configured retention window, zero when
// unset so the caller applies its default.
func (c *Config) MergeAgeDuration() time.Duration {
	return mustDuration(c.MergeAge, 0)
}

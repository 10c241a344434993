package mirror

import (
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxConns   = 10
	defaultRetryLimit = 5
)

var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidID checks if the given mirror ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

// RepublishPolicy decides what happens when a catalog entry's declared
// hash changes for an identity that is already mirrored.
type RepublishPolicy string

const (
	// RepublishRefetch re-fetches and overwrites the local copy.
	RepublishRefetch RepublishPolicy = "refetch"
	// RepublishKeep keeps the local copy and skips the changed entry.
	RepublishKeep RepublishPolicy = "keep"
)

// MirrorConfig describes one mirrored distribution.
type MirrorConfig struct {
	URL      tomlURL  `toml:"url"`
	Channels []string `toml:"channels"`
	Targets  []string `toml:"targets,omitempty"`

	PGPKeyPath string `toml:"pgp_key_path,omitempty"`
	NoPGPCheck bool   `toml:"no_pgp_check,omitempty"`

	Prune            bool            `toml:"prune,omitempty"`
	TolerateFailures bool            `toml:"tolerate_failures,omitempty"`
	OnRepublish      RepublishPolicy `toml:"on_republish,omitempty"`

	Filters *ArtifactFilters `toml:"filters,omitempty"`
}

// ArtifactFilters defines filtering rules for catalog entries.
type ArtifactFilters struct {
	KeepVersions    int      `toml:"keep_versions,omitempty"`
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// Check validates the configuration.
func (mc *MirrorConfig) Check() error {
	if mc.URL.URL == nil {
		return errors.New("url is not set")
	}
	if len(mc.Channels) == 0 {
		return errors.New("no channels")
	}
	for _, ch := range mc.Channels {
		if ch == "" || path.Clean(ch) != ch || strings.Contains(ch, "..") {
			return errors.New("invalid channel name: " + ch)
		}
	}

	switch mc.OnRepublish {
	case "", RepublishRefetch, RepublishKeep:
	default:
		return errors.New("invalid on_republish policy: " + string(mc.OnRepublish))
	}

	if !mc.NoPGPCheck && mc.PGPKeyPath != "" {
		if !path.IsAbs(mc.PGPKeyPath) {
			return errors.New("pgp_key_path must be an absolute path")
		}
		file, err := os.Open(mc.PGPKeyPath) // #nosec G304 - operator-supplied key path
		if err != nil {
			return errors.Wrap(err, "pgp_key_path")
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close PGP key file during validation", "path", mc.PGPKeyPath, "error", err)
		}
	}

	return nil
}

// RepublishPolicyOrDefault returns the configured policy, defaulting to
// re-fetch-and-overwrite.
func (mc *MirrorConfig) RepublishPolicyOrDefault() RepublishPolicy {
	if mc.OnRepublish == "" {
		return RepublishRefetch
	}
	return mc.OnRepublish
}

// Resolve returns *url.URL for a catalog-relative path.
func (mc *MirrorConfig) Resolve(path string) *url.URL {
	return mc.URL.ResolveReference(&url.URL{Path: path})
}

// WantsTarget returns true if the mirror is configured to carry the
// given target.  An empty target list mirrors everything.
func (mc *MirrorConfig) WantsTarget(target string) bool {
	if len(mc.Targets) == 0 {
		return true
	}
	for _, t := range mc.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir        string                   `toml:"dir"`
	MaxConns   int                      `toml:"max_conns"`
	RetryLimit int                      `toml:"retry_limit"`
	Log        LogConfig                `toml:"log"`
	TLS        TLSConfig                `toml:"tls"`
	Mirrors    map[string]*MirrorConfig `toml:"mirrors"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.MaxConns <= 0 {
		return errors.New("max_conns must be positive")
	}
	if c.RetryLimit < 0 {
		return errors.New("retry_limit must not be negative")
	}
	return c.TLS.Check()
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns:   defaultMaxConns,
		RetryLimit: defaultRetryLimit,
	}
}

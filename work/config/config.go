package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for the playback edge
// service: the public base URL used when rewriting sources through the
// proxy, upstream video-platform API settings, the proxy host
// allow-list, probe/proxy timing knobs, and operational toggles.
type Config struct {
	BaseURL           string        `json:"baseURL"`           // Public base URL of this service, used for proxy rewrites
	ListenAddr        string        `json:"listenAddr"`        // HTTP bind address, e.g. ":8080"
	UpstreamAPIBase   string        `json:"upstreamAPIBase"`   // Base URL of the upstream video platform API
	UpstreamAPIKey    string        `json:"-"`                 // Upstream API credential (environment only, never serialized)
	AllowedProxyHosts []string      `json:"allowedProxyHosts"` // CDN hostnames the edge proxy may fetch from
	ProbeTimeout      time.Duration `json:"probeTimeout"`      // Per-probe HTTP timeout
	ProbeBodyLimit    int64         `json:"probeBodyLimit"`    // Max manifest bytes read during a health probe
	ProxyAttempts     int           `json:"proxyAttempts"`     // Max upstream fetch attempts per proxy request
	ProxyBackoffStep  time.Duration `json:"proxyBackoffStep"`  // Linear backoff unit between proxy attempts
	ProxyTimeoutBase  time.Duration `json:"proxyTimeoutBase"`  // Base per-attempt proxy timeout
	ProxyTimeoutStep  time.Duration `json:"proxyTimeoutStep"`  // Per-attempt proxy timeout growth
	ProxyRateLimit    int           `json:"proxyRateLimit"`    // Upstream proxy fetches per second
	ProxyReplayLimit  int64         `json:"proxyReplayLimit"`  // Max bytes buffered from a 5xx body kept for replay
	ProxyBufferSize   int64         `json:"proxyBufferSize"`   // Copy buffer size for media relay
	MetadataCacheTTL  time.Duration `json:"metadataCacheTTL"`  // TTL of the VOD playback-metadata cache
	MetadataCacheSize int           `json:"metadataCacheSize"` // Max entries in the VOD metadata cache
	WorkerThreads     int           `json:"workerThreads"`     // Worker pool size for probe fan-out and journal writes
	UserAgent         string        `json:"userAgent"`         // User-Agent sent on all outbound HTTP requests
	DatabasePath      string        `json:"databasePath"`      // SQLite settings/journal file path
	JournalRetention  time.Duration `json:"journalRetention"`  // How long probe failures stay in the journal
	Debug             bool          `json:"debug"`             // Enable debug logging
	ObfuscateUrls     bool          `json:"obfuscateUrls"`     // Obfuscate upstream URLs in logs
	LogLevel          string        `json:"logLevel"`          // Log level: DEBUG, INFO, WARN, ERROR
}

// Default returns the built-in configuration. The allow-list covers the
// upstream platform's public CDN hostnames for live and VOD delivery.
func Default() *Config {
	return &Config{
		BaseURL:         "http://localhost:8080",
		ListenAddr:      ":8080",
		UpstreamAPIBase: "https://livepeer.studio/api",
		AllowedProxyHosts: []string{
			"livepeercdn.studio",
			"livepeercdn.com",
			"vod-cdn.lp-playback.studio",
			"recordings-cdn.lp-playback.studio",
		},
		ProbeTimeout:      5 * time.Second,
		ProbeBodyLimit:    2 << 20,
		ProxyAttempts:     3,
		ProxyBackoffStep:  400 * time.Millisecond,
		ProxyTimeoutBase:  7 * time.Second,
		ProxyTimeoutStep:  1500 * time.Millisecond,
		ProxyRateLimit:    50,
		ProxyReplayLimit:  64 << 10,
		ProxyBufferSize:   64 << 10,
		MetadataCacheTTL:  3 * time.Second,
		MetadataCacheSize: 4096,
		WorkerThreads:     16,
		UserAgent:         "playback-edge/1.0",
		DatabasePath:      "data/playback-edge.db",
		JournalRetention:  24 * time.Hour,
		Debug:             false,
		ObfuscateUrls:     true,
		LogLevel:          "INFO",
	}
}

// Load builds the effective configuration by layering, in order:
// built-in defaults, the persisted settings map (usually from the
// SQLite settings store), and environment variables. The result is
// validated and clamped before use and never mutated afterwards.
func Load(settings map[string]string) *Config {
	cfg := Default()
	applySettings(cfg, settings)
	applyEnv(cfg)
	validateAndSetDefaults(cfg)
	return cfg
}

// DatabasePathFromEnv returns the SQLite path to open before the full
// configuration can be assembled (the settings store lives inside it).
func DatabasePathFromEnv() string {
	if v := os.Getenv("PLAYBACK_DB_PATH"); v != "" {
		return v
	}
	return Default().DatabasePath
}

// applySettings overlays persisted key/value settings onto cfg. Keys use
// snake_case; values are plain strings parsed with the same rules as
// environment variables. Unknown keys are ignored.
func applySettings(cfg *Config, settings map[string]string) {
	for key, value := range settings {
		setField(cfg, key, value)
	}
}

// applyEnv overlays environment variables onto cfg. PORT and LOG_LEVEL
// follow the conventional bare names; everything else is prefixed.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	pairs := map[string]string{
		"base_url":            "PLAYBACK_BASE_URL",
		"listen_addr":         "PLAYBACK_LISTEN_ADDR",
		"api_base":            "PLAYBACK_API_BASE",
		"api_key":             "PLAYBACK_API_KEY",
		"allowed_hosts":       "PLAYBACK_ALLOWED_HOSTS",
		"probe_timeout":       "PLAYBACK_PROBE_TIMEOUT",
		"probe_body_limit":    "PLAYBACK_PROBE_BODY_LIMIT",
		"proxy_attempts":      "PLAYBACK_PROXY_ATTEMPTS",
		"proxy_rate_limit":    "PLAYBACK_PROXY_RATE_LIMIT",
		"proxy_buffer_size":   "PLAYBACK_PROXY_BUFFER_SIZE",
		"metadata_cache_ttl":  "PLAYBACK_CACHE_TTL",
		"metadata_cache_size": "PLAYBACK_CACHE_SIZE",
		"worker_threads":      "PLAYBACK_WORKER_THREADS",
		"user_agent":          "PLAYBACK_USER_AGENT",
		"db_path":             "PLAYBACK_DB_PATH",
		"journal_retention":   "PLAYBACK_JOURNAL_RETENTION",
		"debug":               "PLAYBACK_DEBUG",
		"obfuscate_urls":      "PLAYBACK_OBFUSCATE_URLS",
	}
	for key, env := range pairs {
		if v := os.Getenv(env); v != "" {
			setField(cfg, key, v)
		}
	}
}

// setField assigns one named setting onto cfg, parsing the string value
// per the field's type. Malformed values are ignored so a bad persisted
// setting can never take the service down.
func setField(cfg *Config, key, value string) {
	switch key {
	case "base_url":
		cfg.BaseURL = value
	case "listen_addr":
		cfg.ListenAddr = value
	case "api_base":
		cfg.UpstreamAPIBase = value
	case "api_key":
		cfg.UpstreamAPIKey = value
	case "allowed_hosts":
		hosts := splitHosts(value)
		if len(hosts) > 0 {
			cfg.AllowedProxyHosts = hosts
		}
	case "probe_timeout":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.ProbeTimeout = d
		}
	case "probe_body_limit":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			cfg.ProbeBodyLimit = n
		}
	case "proxy_attempts":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ProxyAttempts = n
		}
	case "proxy_rate_limit":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ProxyRateLimit = n
		}
	case "proxy_buffer_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			cfg.ProxyBufferSize = n
		}
	case "metadata_cache_ttl":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.MetadataCacheTTL = d
		}
	case "metadata_cache_size":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MetadataCacheSize = n
		}
	case "worker_threads":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.WorkerThreads = n
		}
	case "user_agent":
		cfg.UserAgent = value
	case "db_path":
		cfg.DatabasePath = value
	case "journal_retention":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.JournalRetention = d
		}
	case "debug":
		if b, err := strconv.ParseBool(value); err == nil {
			cfg.Debug = b
		}
	case "obfuscate_urls":
		if b, err := strconv.ParseBool(value); err == nil {
			cfg.ObfuscateUrls = b
		}
	}
}

// validateAndSetDefaults clamps out-of-range values back to safe ones so
// the rest of the code never has to defend against zero timeouts or a
// negative attempt count.
func validateAndSetDefaults(cfg *Config) {
	def := Default()

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	cfg.UpstreamAPIBase = strings.TrimRight(cfg.UpstreamAPIBase, "/")
	if cfg.UpstreamAPIBase == "" {
		cfg.UpstreamAPIBase = def.UpstreamAPIBase
	}
	if len(cfg.AllowedProxyHosts) == 0 {
		cfg.AllowedProxyHosts = def.AllowedProxyHosts
	}
	for i, h := range cfg.AllowedProxyHosts {
		cfg.AllowedProxyHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeBodyLimit <= 0 {
		cfg.ProbeBodyLimit = def.ProbeBodyLimit
	}
	if cfg.ProxyAttempts < 1 || cfg.ProxyAttempts > 10 {
		cfg.ProxyAttempts = def.ProxyAttempts
	}
	if cfg.ProxyBackoffStep <= 0 {
		cfg.ProxyBackoffStep = def.ProxyBackoffStep
	}
	if cfg.ProxyTimeoutBase <= 0 {
		cfg.ProxyTimeoutBase = def.ProxyTimeoutBase
	}
	if cfg.ProxyTimeoutStep < 0 {
		cfg.ProxyTimeoutStep = def.ProxyTimeoutStep
	}
	if cfg.ProxyRateLimit <= 0 {
		cfg.ProxyRateLimit = def.ProxyRateLimit
	}
	if cfg.ProxyReplayLimit <= 0 {
		cfg.ProxyReplayLimit = def.ProxyReplayLimit
	}
	if cfg.ProxyBufferSize < 4<<10 {
		cfg.ProxyBufferSize = def.ProxyBufferSize
	}
	if cfg.MetadataCacheTTL <= 0 {
		cfg.MetadataCacheTTL = def.MetadataCacheTTL
	}
	if cfg.MetadataCacheSize <= 0 {
		cfg.MetadataCacheSize = def.MetadataCacheSize
	}
	if cfg.WorkerThreads < 2 {
		cfg.WorkerThreads = def.WorkerThreads
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.JournalRetention <= 0 {
		cfg.JournalRetention = def.JournalRetention
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}

// IsAllowedProxyHost reports whether the edge proxy may fetch from the
// given hostname. Matching is case-insensitive and exact; the list is
// immutable after startup so concurrent reads need no locking.
func (c *Config) IsAllowedProxyHost(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range c.AllowedProxyHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

// HasUpstreamCredential reports whether the upstream API key is
// configured. Resolution fails closed without it.
func (c *Config) HasUpstreamCredential() bool {
	return strings.TrimSpace(c.UpstreamAPIKey) != ""
}

// splitHosts parses a comma-separated hostname list, dropping empties.
func splitHosts(value string) []string {
	parts := strings.Split(value, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

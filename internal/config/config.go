package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Authentication.
	envVarIssuerURL       = "AUTH_ISSUER_URL"
	envVarServiceKey      = "AUTH_SERVICE_KEY"
	envVarJWTSecret       = "JWT_SECRET"
	envVarJWTAudience     = "JWT_AUDIENCE"
	envVarJWKSHTTPTimeout = "JWKS_HTTP_TIMEOUT"

	// Shared state store. Empty means in-process maps (single instance).
	envVarRedisURL = "REDIS_URL"

	// WebRTC.
	envVarSTUNURLs = "STUN_URLS"

	// Signaling WebSocket hardening.
	envVarOutboundQueueSize             = "OUTBOUND_QUEUE_SIZE"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr           = "127.0.0.1:3001"
	DefaultShutdown             = 15 * time.Second
	DefaultJWTAudience          = "authenticated"
	DefaultJWKSHTTPTimeout      = 10 * time.Second
	DefaultSTUNURL              = "stun:stun.l.google.com:19302"
	DefaultOutboundQueueSize    = 256
	DefaultMode            Mode = ModeDev

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

// jwksWellKnownPath is appended to the issuer URL to locate the published
// signing key set.
const jwksWellKnownPath = "/auth/v1/.well-known/jwks.json"

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// IssuerURL is the base URL of the token issuer; the JWKS endpoint is
	// derived from it. Empty disables asymmetric (RS256) token support.
	IssuerURL string
	// ServiceKey is presented to the issuer when fetching the JWKS.
	ServiceKey      string
	JWTSecret       string
	JWTAudience     string
	JWKSHTTPTimeout time.Duration

	// RedisURL selects the shared store backend. Empty means in-process maps.
	RedisURL string

	STUNURLs []string

	OutboundQueueSize             int
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

// JWKSURL returns the issuer-derived well-known JWKS endpoint, or "" when no
// issuer is configured.
func (c Config) JWKSURL() string {
	if c.IssuerURL == "" {
		return ""
	}
	return strings.TrimRight(c.IssuerURL, "/") + jwksWellKnownPath
}

// ICEServers returns the STUN server list for server-side PeerConnections.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNURLs}}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	issuerURL := envOrDefault(lookup, envVarIssuerURL, "")
	serviceKey := envOrDefault(lookup, envVarServiceKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtAudience := envOrDefault(lookup, envVarJWTAudience, DefaultJWTAudience)
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	stunURLsStr := envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURL)

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	jwksHTTPTimeout := DefaultJWKSHTTPTimeout
	if raw, ok := lookup(envVarJWKSHTTPTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarJWKSHTTPTimeout, raw, err)
		}
		jwksHTTPTimeout = d
	}

	outboundQueueSize, err := envIntOrDefault(lookup, envVarOutboundQueueSize, DefaultOutboundQueueSize)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&issuerURL, "issuer-url", issuerURL, "Token issuer base URL; JWKS is fetched from its well-known path (env "+envVarIssuerURL+")")
	fs.StringVar(&serviceKey, "service-key", serviceKey, "Service credential presented when fetching the JWKS (env "+envVarServiceKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "Shared secret for HS256 tokens (env "+envVarJWTSecret+")")
	fs.StringVar(&jwtAudience, "jwt-audience", jwtAudience, "Expected token audience (env "+envVarJWTAudience+")")
	fs.DurationVar(&jwksHTTPTimeout, "jwks-http-timeout", jwksHTTPTimeout, "HTTP timeout for JWKS fetches (env "+envVarJWKSHTTPTimeout+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the shared state store; empty uses in-process maps (env "+envVarRedisURL+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs for peer sessions (env "+envVarSTUNURLs+")")
	fs.IntVar(&outboundQueueSize, "outbound-queue-size", outboundQueueSize, "Per-connection outbound message queue capacity (env "+envVarOutboundQueueSize+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set", envVarJWTSecret)
	}
	if strings.TrimSpace(jwtAudience) == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarJWTAudience)
	}
	if issuerURL != "" {
		u, err := url.Parse(issuerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s %q: must be an http(s) URL", envVarIssuerURL, issuerURL)
		}
		if strings.TrimSpace(serviceKey) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s is set", envVarServiceKey, envVarIssuerURL)
		}
	}
	if jwksHTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--jwks-http-timeout must be > 0", envVarJWKSHTTPTimeout)
	}
	if outboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--outbound-queue-size must be > 0", envVarOutboundQueueSize)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	var stunURLs []string
	for _, raw := range strings.Split(stunURLsStr, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			stunURLs = append(stunURLs, s)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		IssuerURL:       strings.TrimRight(issuerURL, "/"),
		ServiceKey:      serviceKey,
		JWTSecret:       jwtSecret,
		JWTAudience:     jwtAudience,
		JWKSHTTPTimeout: jwksHTTPTimeout,

		RedisURL: redisURL,

		STUNURLs: stunURLs,

		OutboundQueueSize:             outboundQueueSize,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
	}, nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return "info"
	}
	return "debug"
}

// NewLogger constructs the process logger from the configured format/level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice call gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// Session lifecycle.
	SessionIdleTimeout time.Duration
	JanitorInterval    time.Duration

	// Resource pools, one per client kind.
	PoolLowWater        int
	PoolHighWater       int
	PoolAcquireTimeout  time.Duration
	PoolRefreshInterval time.Duration

	// Turn detection.
	VADSpeechThreshold  float64
	VADBargeInThreshold float64
	VADHangover         time.Duration

	// TTS playback scheduling.
	TTSMinUnitChars int
	TTSMaxUnitChars int
	TTSFrameBytes   int

	// LLM completion.
	CompletionTimeout    time.Duration
	CompletionRetryMax   int
	CompletionRetryBase  time.Duration
	SynthesisCallTimeout time.Duration

	// Session-state store tiers. Both optional; absent tiers degrade to
	// in-process state.
	RedisAddr    string
	RedisTTL     time.Duration
	DatabaseURL  string
	StoreTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voiceline"),
		AllowAnyOrigin:      false,
		ShutdownTimeout:     15 * time.Second,
		SessionIdleTimeout:  90 * time.Second,
		JanitorInterval:     5 * time.Second,
		PoolLowWater:        4,
		PoolHighWater:       32,
		PoolAcquireTimeout:  2 * time.Second,
		PoolRefreshInterval: 10 * time.Second,
		// RMS over int16 samples; tuned against 16 kHz mono input. The
		// barge-in threshold sits higher so synthesized playback leaking into
		// the mic does not trigger false interruptions.
		VADSpeechThreshold:   500,
		VADBargeInThreshold:  900,
		VADHangover:          600 * time.Millisecond,
		TTSMinUnitChars:      24,
		TTSMaxUnitChars:      240,
		TTSFrameBytes:        3200,
		CompletionTimeout:    20 * time.Second,
		CompletionRetryMax:   2,
		CompletionRetryBase:  250 * time.Millisecond,
		SynthesisCallTimeout: 10 * time.Second,
		RedisAddr:            stringsTrimSpace("REDIS_ADDR"),
		RedisTTL:             30 * time.Minute,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		StoreTimeout:         2 * time.Second,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.PoolLowWater, err = intFromEnv("POOL_LOW_WATER", cfg.PoolLowWater); err != nil {
		return Config{}, err
	}
	if cfg.PoolHighWater, err = intFromEnv("POOL_HIGH_WATER", cfg.PoolHighWater); err != nil {
		return Config{}, err
	}
	if cfg.PoolAcquireTimeout, err = durationFromEnv("POOL_ACQUIRE_TIMEOUT", cfg.PoolAcquireTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PoolRefreshInterval, err = durationFromEnv("POOL_REFRESH_INTERVAL", cfg.PoolRefreshInterval); err != nil {
		return Config{}, err
	}
	if cfg.VADSpeechThreshold, err = floatFromEnv("VAD_SPEECH_THRESHOLD", cfg.VADSpeechThreshold); err != nil {
		return Config{}, err
	}
	if cfg.VADBargeInThreshold, err = floatFromEnv("VAD_BARGE_IN_THRESHOLD", cfg.VADBargeInThreshold); err != nil {
		return Config{}, err
	}
	if cfg.VADHangover, err = durationFromEnv("VAD_HANGOVER", cfg.VADHangover); err != nil {
		return Config{}, err
	}
	if cfg.TTSMinUnitChars, err = intFromEnv("TTS_MIN_UNIT_CHARS", cfg.TTSMinUnitChars); err != nil {
		return Config{}, err
	}
	if cfg.TTSMaxUnitChars, err = intFromEnv("TTS_MAX_UNIT_CHARS", cfg.TTSMaxUnitChars); err != nil {
		return Config{}, err
	}
	if cfg.TTSFrameBytes, err = intFromEnv("TTS_FRAME_BYTES", cfg.TTSFrameBytes); err != nil {
		return Config{}, err
	}
	if cfg.SynthesisCallTimeout, err = durationFromEnv("SYNTHESIS_CALL_TIMEOUT", cfg.SynthesisCallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CompletionRetryMax, err = intFromEnv("COMPLETION_RETRY_MAX", cfg.CompletionRetryMax); err != nil {
		return Config{}, err
	}
	if cfg.RedisTTL, err = durationFromEnv("REDIS_STATE_TTL", cfg.RedisTTL); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = durationFromEnv("STORE_TIMEOUT", cfg.StoreTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.PoolLowWater < 0 || cfg.PoolHighWater <= 0 || cfg.PoolLowWater > cfg.PoolHighWater {
		return Config{}, fmt.Errorf("invalid pool watermarks: low=%d high=%d", cfg.PoolLowWater, cfg.PoolHighWater)
	}
	if cfg.TTSMinUnitChars <= 0 || cfg.TTSMaxUnitChars < cfg.TTSMinUnitChars {
		return Config{}, fmt.Errorf("invalid tts unit bounds: min=%d max=%d", cfg.TTSMinUnitChars, cfg.TTSMaxUnitChars)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	WS               WebsocketConfig
	Throttle         ThrottleConfig
	World            WorldConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ThrottleConfig holds the controller thresholds. Only a subset is exposed
// through the environment; intervals, windows and the reduction factor keep
// their defaults.
type ThrottleConfig struct {
	Enable       bool
	PrimaryWorld string

	MinViewRadius   int
	ReductionFactor float64

	OccupancyThreshold float64
	GCLookback         time.Duration
	GCMinRuns          int
	GrowCooldown       time.Duration
	GCHistory          int
	GCRetention        time.Duration

	TPSLowWatermark  float64
	TPSHighWatermark float64
	TPSSettle        time.Duration

	AdjustInitialDelay time.Duration
	AdjustInterval     time.Duration
	IdleInitialDelay   time.Duration
	IdleInterval       time.Duration

	// MaxHeapBytes overrides heap limit detection when non-zero.
	MaxHeapBytes uint64
	CgroupRoot   string
}

// WorldConfig describes the simulated host worlds.
type WorldConfig struct {
	Names      []string
	TPS        int
	ViewRadius int
	ChunkBytes int
	Bots       int
	Seed       uint64
}

// DefaultThrottle returns the controller defaults.
func DefaultThrottle() ThrottleConfig {
	return ThrottleConfig{
		Enable:             true,
		PrimaryWorld:       "world",
		MinViewRadius:      2,
		ReductionFactor:    0.75,
		OccupancyThreshold: 0.85,
		GCLookback:         60 * time.Second,
		GCMinRuns:          3,
		GrowCooldown:       30 * time.Second,
		GCHistory:          256,
		GCRetention:        2 * time.Minute,
		TPSLowWatermark:    12,
		TPSHighWatermark:   15,
		TPSSettle:          60 * time.Second,
		AdjustInitialDelay: 5 * time.Second,
		AdjustInterval:     time.Second,
		IdleInitialDelay:   5 * time.Second,
		IdleInterval:       5 * time.Second,
		CgroupRoot:         "/sys/fs/cgroup",
	}
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Throttle: DefaultThrottle(),
		World: WorldConfig{
			Names:      []string{"world", "world_nether", "world_the_end"},
			TPS:        20,
			ViewRadius: 10,
			ChunkBytes: 16 << 10,
			Bots:       4,
			Seed:       1,
		},
	}

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	var err error
	if cfg.EnablePrometheus, err = boolEnv("APP_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = boolEnv("APP_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if cfg.WS.MaxClients, err = positiveIntEnv("APP_WS_MAX_CLIENTS", cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.WS.WriteTimeout, err = positiveDurationEnv("APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = positiveDurationEnv("APP_WS_READ_TIMEOUT", cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if err := loadThrottle(&cfg.Throttle); err != nil {
		return Config{}, err
	}
	if err := loadWorld(&cfg.World); err != nil {
		return Config{}, err
	}

	if cfg.Throttle.MinViewRadius > cfg.World.ViewRadius {
		return Config{}, fmt.Errorf("APP_THROTTLE_MIN_VIEW_RADIUS (%d) must not exceed APP_VIEW_RADIUS (%d)",
			cfg.Throttle.MinViewRadius, cfg.World.ViewRadius)
	}
	if !slices.Contains(cfg.World.Names, cfg.Throttle.PrimaryWorld) {
		return Config{}, fmt.Errorf("APP_THROTTLE_PRIMARY_WORLD %q is not one of APP_WORLDS %v",
			cfg.Throttle.PrimaryWorld, cfg.World.Names)
	}

	return cfg, nil
}

func loadThrottle(tc *ThrottleConfig) error {
	var err error
	if tc.Enable, err = boolEnv("APP_THROTTLE_ENABLE", tc.Enable); err != nil {
		return err
	}
	if value := env("APP_THROTTLE_PRIMARY_WORLD"); value != "" {
		tc.PrimaryWorld = value
	}
	if tc.MinViewRadius, err = positiveIntEnv("APP_THROTTLE_MIN_VIEW_RADIUS", tc.MinViewRadius); err != nil {
		return err
	}
	if tc.GCHistory, err = positiveIntEnv("APP_THROTTLE_GC_HISTORY", tc.GCHistory); err != nil {
		return err
	}

	if value := env("APP_THROTTLE_OCCUPANCY_THRESHOLD"); value != "" {
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parse APP_THROTTLE_OCCUPANCY_THRESHOLD: %w", err)
		}
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("APP_THROTTLE_OCCUPANCY_THRESHOLD must be in (0, 1]")
		}
		tc.OccupancyThreshold = threshold
	}

	if tc.TPSLowWatermark, err = positiveFloatEnv("APP_THROTTLE_TPS_LOW_WATERMARK", tc.TPSLowWatermark); err != nil {
		return err
	}
	if tc.TPSHighWatermark, err = positiveFloatEnv("APP_THROTTLE_TPS_HIGH_WATERMARK", tc.TPSHighWatermark); err != nil {
		return err
	}
	if tc.TPSLowWatermark > tc.TPSHighWatermark {
		return fmt.Errorf("APP_THROTTLE_TPS_LOW_WATERMARK must not exceed APP_THROTTLE_TPS_HIGH_WATERMARK")
	}

	if value := env("APP_MAX_HEAP_BYTES"); value != "" {
		limit, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse APP_MAX_HEAP_BYTES: %w", err)
		}
		tc.MaxHeapBytes = limit
	}

	if value := env("APP_CGROUP_ROOT"); value != "" {
		tc.CgroupRoot = value
	}
	return nil
}

func loadWorld(wc *WorldConfig) error {
	if value := env("APP_WORLDS"); value != "" {
		names := splitAndTrim(value, ",")
		if len(names) == 0 {
			return fmt.Errorf("APP_WORLDS must not be empty")
		}
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			if _, dup := seen[name]; dup {
				return fmt.Errorf("APP_WORLDS contains duplicate world %q", name)
			}
			seen[name] = struct{}{}
		}
		wc.Names = names
	}

	var err error
	if wc.TPS, err = positiveIntEnv("APP_WORLD_TPS", wc.TPS); err != nil {
		return err
	}
	if wc.ViewRadius, err = positiveIntEnv("APP_VIEW_RADIUS", wc.ViewRadius); err != nil {
		return err
	}
	if wc.ChunkBytes, err = positiveIntEnv("APP_CHUNK_BYTES", wc.ChunkBytes); err != nil {
		return err
	}

	if value := env("APP_SIM_BOTS"); value != "" {
		bots, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse APP_SIM_BOTS: %w", err)
		}
		if bots < 0 {
			return fmt.Errorf("APP_SIM_BOTS must be >= 0")
		}
		wc.Bots = bots
	}

	if value := env("APP_SIM_SEED"); value != "" {
		seed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse APP_SIM_SEED: %w", err)
		}
		wc.Seed = seed
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolEnv(key string, def bool) (bool, error) {
	value := env(key)
	if value == "" {
		return def, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func positiveIntEnv(key string, def int) (int, error) {
	value := env(key)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return def, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func positiveFloatEnv(key string, def float64) (float64, error) {
	value := env(key)
	if value == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	if f <= 0 {
		return def, fmt.Errorf("%s must be > 0", key)
	}
	return f, nil
}

func positiveDurationEnv(key string, def time.Duration) (time.Duration, error) {
	value := env(key)
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

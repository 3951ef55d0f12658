package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr      = ":8090"
	defaultDBPath          = "virtmgr.db"
	defaultApexInfoPath    = "/apex/apex-info-list.xml"
	defaultDeriveClasspath = "/apex/com.android.sdkext/bin/derive_classpath"
	defaultSysfsRoot       = "/sys"
	defaultVfioDev         = "/dev/vfio/vfio"

	envListenAddr      = "VIRTMGR_LISTEN_ADDR"
	envDBPath          = "VIRTMGR_DB_PATH"
	envLogLevel        = "VIRTMGR_LOG_LEVEL"
	envApexInfoPath    = "VIRTMGR_APEX_INFO_PATH"
	envDeriveClasspath = "VIRTMGR_DERIVE_CLASSPATH"
	envEarlyBoot       = "VIRTMGR_EARLY_BOOT"
	envDtboImage       = "VIRTMGR_DTBO_IMAGE"
	envSysfsRoot       = "VIRTMGR_SYSFS_ROOT"
	envVfioDev         = "VIRTMGR_VFIO_DEV"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// ApexInfoPath is the static APEX listing document consumed by the
	// catalog loader.
	ApexInfoPath string

	// DeriveClasspath is the executable that emits classpath export lines.
	DeriveClasspath string

	// EarlyBoot marks the early-boot operating mode: classpath derivation
	// is skipped and staged overrides are refused.
	EarlyBoot bool

	// DtboImage overrides the slot-derived DTBO partition path when set.
	DtboImage string

	// SysfsRoot is the sysfs mount point. Overridable so tests and
	// development hosts can point at a fake tree.
	SysfsRoot string

	// VfioDev is the VFIO container device node used to probe
	// passthrough support.
	VfioDev string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		ApexInfoPath:    defaultApexInfoPath,
		DeriveClasspath: defaultDeriveClasspath,
		SysfsRoot:       defaultSysfsRoot,
		VfioDev:         defaultVfioDev,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envApexInfoPath); v != "" {
		cfg.ApexInfoPath = v
	}
	if v := os.Getenv(envDeriveClasspath); v != "" {
		cfg.DeriveClasspath = v
	}
	if v := os.Getenv(envEarlyBoot); v != "" {
		cfg.EarlyBoot = parseBool(v)
	}
	if v := os.Getenv(envDtboImage); v != "" {
		cfg.DtboImage = v
	}
	if v := os.Getenv(envSysfsRoot); v != "" {
		cfg.SysfsRoot = v
	}
	if v := os.Getenv(envVfioDev); v != "" {
		cfg.VfioDev = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

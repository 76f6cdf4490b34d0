package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "/var/lib/infinization/infinization.db"

	defaultDiskDir    = "/var/lib/infinization/disks"
	defaultSocketDir  = "/var/run/infinization"
	defaultPIDDir     = "/var/run/infinization/pids"
	defaultISODir     = "/var/lib/infinization/isos"
	defaultUEFIVarDir = "/var/lib/infinization/uefi-vars"

	defaultNftRulesPath = "/etc/infinization/infinivirt.nft"
	defaultNftTable     = "infinivirt"

	defaultNUMASysfsRoot = "/sys/devices/system/node"
	defaultGPUROMDir     = "/usr/share/infinization/roms"

	defaultHealthSweepInterval = 30 * time.Second
	defaultCleanupMaxAttempts  = 3
	defaultCleanupBaseDelay    = 1 * time.Second
	defaultCleanupBackoffCap   = 10 * time.Second

	defaultQMPDialTimeout    = 5 * time.Second
	defaultQMPCommandTimeout = 10 * time.Second

	envListenAddr = "INFINIZATION_LISTEN_ADDR"
	envDBPath     = "INFINIZATION_DB_PATH"
	envLogLevel   = "INFINIZATION_LOG_LEVEL"

	envDiskDir    = "INFINIZATION_DISK_DIR"
	envSocketDir  = "INFINIZATION_SOCKET_DIR"
	envPIDDir     = "INFINIZATION_PID_DIR"
	envISODir     = "INFINIZATION_ISO_DIR"
	envUEFIVarDir = "INFINIZATION_UEFI_VAR_DIR"

	envNftRulesPath = "INFINIZATION_NFT_RULES_PATH"
	envNftTable     = "INFINIZATION_NFT_TABLE"

	envNUMASysfsRoot = "INFINIZATION_NUMA_SYSFS_ROOT"
	envGPUROMDir     = "INFINIZATION_GPU_ROM_DIR"

	envHealthSweepInterval = "INFINIZATION_HEALTH_SWEEP_INTERVAL"
	envQEMUBinary          = "INFINIZATION_QEMU_BINARY"
	envBridgeName          = "INFINIZATION_BRIDGE"
)

// Config holds application configuration loaded from environment variables,
// following the host-path and timing defaults the lifecycle orchestrator,
// TAP manager, packet-filter service and health monitor all depend on.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	DiskDir    string
	SocketDir  string
	PIDDir     string
	ISODir     string
	UEFIVarDir string

	NftRulesPath string
	NftTable     string

	NUMASysfsRoot string
	GPUROMDir     string

	HealthSweepInterval time.Duration
	CleanupMaxAttempts  int
	CleanupBaseDelay    time.Duration
	CleanupBackoffCap   time.Duration

	QMPDialTimeout    time.Duration
	QMPCommandTimeout time.Duration

	QEMUBinary string
	Bridge     string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,

		DiskDir:    defaultDiskDir,
		SocketDir:  defaultSocketDir,
		PIDDir:     defaultPIDDir,
		ISODir:     defaultISODir,
		UEFIVarDir: defaultUEFIVarDir,

		NftRulesPath: defaultNftRulesPath,
		NftTable:     defaultNftTable,

		NUMASysfsRoot: defaultNUMASysfsRoot,
		GPUROMDir:     defaultGPUROMDir,

		HealthSweepInterval: defaultHealthSweepInterval,
		CleanupMaxAttempts:  defaultCleanupMaxAttempts,
		CleanupBaseDelay:    defaultCleanupBaseDelay,
		CleanupBackoffCap:   defaultCleanupBackoffCap,

		QMPDialTimeout:    defaultQMPDialTimeout,
		QMPCommandTimeout: defaultQMPCommandTimeout,

		QEMUBinary: "qemu-system-x86_64",
		Bridge:     "virbr0",
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

	if v := os.Getenv(envDiskDir); v != "" {
		cfg.DiskDir = v
	}
	if v := os.Getenv(envSocketDir); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv(envPIDDir); v != "" {
		cfg.PIDDir = v
	}
	if v := os.Getenv(envISODir); v != "" {
		cfg.ISODir = v
	}
	if v := os.Getenv(envUEFIVarDir); v != "" {
		cfg.UEFIVarDir = v
	}

	if v := os.Getenv(envNftRulesPath); v != "" {
		cfg.NftRulesPath = v
	}
	if v := os.Getenv(envNftTable); v != "" {
		cfg.NftTable = v
	}

	if v := os.Getenv(envNUMASysfsRoot); v != "" {
		cfg.NUMASysfsRoot = v
	}
	if v := os.Getenv(envGPUROMDir); v != "" {
		cfg.GPUROMDir = v
	}

	if v := os.Getenv(envHealthSweepInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthSweepInterval = d
		}
	}
	if v := os.Getenv(envQEMUBinary); v != "" {
		cfg.QEMUBinary = v
	}
	if v := os.Getenv(envBridgeName); v != "" {
		cfg.Bridge = v
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

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

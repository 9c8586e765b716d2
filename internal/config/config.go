package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds sanctl settings. Every field has a working default so the
// tool runs without any config file present.
type Config struct {
	Paths    Paths    `yaml:"paths"`
	Storage  Storage  `yaml:"storage"`
	Monitor  Monitor  `yaml:"monitor"`
	Services Services `yaml:"services"`
}

type Paths struct {
	Fstab      string `yaml:"fstab,omitempty"`
	UnitDir    string `yaml:"unit_dir,omitempty"`
	ScriptDir  string `yaml:"script_dir,omitempty"`
	MonitorLog string `yaml:"monitor_log,omitempty"`
	JournalDB  string `yaml:"journal_db,omitempty"`
}

type Storage struct {
	// FilesystemType is the default filesystem for fresh partitions.
	FilesystemType string `yaml:"filesystem_type,omitempty"`
	MountOptions   string `yaml:"mount_options,omitempty"`
	// DeviceTimeoutSec bounds how long boot waits for the remote LUN.
	DeviceTimeoutSec int `yaml:"device_timeout_sec,omitempty"`
	// SettleSeconds caps the wait after a session rescan before the
	// device enumeration is retried.
	SettleSeconds int `yaml:"settle_seconds,omitempty"`
}

type Monitor struct {
	// Schedule is the cron expression for the generated probe entry.
	Schedule string `yaml:"schedule,omitempty"`
	// SettleSeconds is the pause between a reconnect attempt and the
	// follow-up mount check.
	SettleSeconds int `yaml:"settle_seconds,omitempty"`
}

type Services struct {
	// ISCSIDaemons are probed in order; the first unit that exists is
	// the one enabled and started.
	ISCSIDaemons []string `yaml:"iscsi_daemons,omitempty"`
}

var defaultConfig = Config{
	Paths: Paths{
		Fstab:      "/etc/fstab",
		UnitDir:    "/etc/systemd/system",
		ScriptDir:  "/usr/local/libexec/sanctl",
		MonitorLog: "/var/log/sanctl-monitor.log",
		JournalDB:  "/var/lib/sanctl/journal.db",
	},
	Storage: Storage{
		FilesystemType:   "ext4",
		MountOptions:     "defaults,nofail",
		DeviceTimeoutSec: 30,
		SettleSeconds:    5,
	},
	Monitor: Monitor{
		Schedule:      "* * * * *",
		SettleSeconds: 3,
	},
	Services: Services{
		ISCSIDaemons: []string{"iscsid.service", "open-iscsi.service"},
	},
}

// Load reads the config file at path, falling back to the default
// locations and finally to built-in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		candidates := []string{
			"/etc/sanctl/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/sanctl/config.yaml"),
			"config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := defaultConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Apply defaults for anything the file left empty.
	if cfg.Paths.Fstab == "" {
		cfg.Paths.Fstab = defaultConfig.Paths.Fstab
	}
	if cfg.Paths.UnitDir == "" {
		cfg.Paths.UnitDir = defaultConfig.Paths.UnitDir
	}
	if cfg.Paths.ScriptDir == "" {
		cfg.Paths.ScriptDir = defaultConfig.Paths.ScriptDir
	}
	if cfg.Paths.MonitorLog == "" {
		cfg.Paths.MonitorLog = defaultConfig.Paths.MonitorLog
	}
	if cfg.Paths.JournalDB == "" {
		cfg.Paths.JournalDB = defaultConfig.Paths.JournalDB
	}
	if cfg.Storage.FilesystemType == "" {
		cfg.Storage.FilesystemType = defaultConfig.Storage.FilesystemType
	}
	if cfg.Storage.MountOptions == "" {
		cfg.Storage.MountOptions = defaultConfig.Storage.MountOptions
	}
	if cfg.Storage.DeviceTimeoutSec == 0 {
		cfg.Storage.DeviceTimeoutSec = defaultConfig.Storage.DeviceTimeoutSec
	}
	if cfg.Storage.SettleSeconds == 0 {
		cfg.Storage.SettleSeconds = defaultConfig.Storage.SettleSeconds
	}
	if cfg.Monitor.Schedule == "" {
		cfg.Monitor.Schedule = defaultConfig.Monitor.Schedule
	}
	if cfg.Monitor.SettleSeconds == 0 {
		cfg.Monitor.SettleSeconds = defaultConfig.Monitor.SettleSeconds
	}
	if len(cfg.Services.ISCSIDaemons) == 0 {
		cfg.Services.ISCSIDaemons = defaultConfig.Services.ISCSIDaemons
	}

	return &cfg, nil
}

// SettleInterval returns the device-settle wait as a duration.
func (c *Config) SettleInterval() time.Duration {
	return time.Duration(c.Storage.SettleSeconds) * time.Second
}

// MonitorSettle returns the monitor reconnect settle wait as a duration.
func (c *Config) MonitorSettle() time.Duration {
	return time.Duration(c.Monitor.SettleSeconds) * time.Second
}

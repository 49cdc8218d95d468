// Package config loads the scheduler's single immutable Config from a
// TOML/YAML file plus environment overrides, following the teacher's
// preference for flag-parsed cobra commands backed by one values object
// instead of package-wide singletons (spec §9).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the core components (§4) need. It is built once
// at process start and passed into constructors; nothing in this repo reads
// a package-level config singleton other than wtlog.Logger (the one
// exception the teacher itself makes).
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	// FleetFile is the YAML file declaring the static VM population
	// (SPEC_FULL.md Domain Stack: "vms.yaml"). Empty disables fleet
	// reconciliation; VMs are then managed purely through RS/admin tooling.
	FleetFile string `mapstructure:"fleet_file"`

	// Retry / timing policy (§4.1, §4.2, §7)
	MaxTaskTries     int           `mapstructure:"max_task_tries"`
	RevertBudget     time.Duration `mapstructure:"revert_budget"`
	WaitForToolsInVM time.Duration `mapstructure:"wait_for_tools_in_vm"`
	SettlePause      time.Duration `mapstructure:"settle_pause"`
	TaskDeadlineSlack time.Duration `mapstructure:"task_deadline_slack"`

	// Janitor horizons (§4.6)
	JobPurgeDays   int `mapstructure:"job_purge_days"`
	JobArchiveDays int `mapstructure:"job_archive_days"`

	// Report dissector (§4.4, §9 Open Question #2): exposed as config instead
	// of an implicit constant.
	MaxReportFileBytes int64 `mapstructure:"max_report_file_bytes"`

	// Concurrency caps (§4.1 point 8, §5)
	MaxConcurrentRevertsPerHost int `mapstructure:"max_concurrent_reverts_per_host"`
	MaxConcurrentRunningVMs     int `mapstructure:"max_concurrent_running_vms"`

	// Agent channel (§6)
	AgentPort        int           `mapstructure:"agent_port"`
	AgentTLS         bool          `mapstructure:"agent_tls"`
	AgentCertDir     string        `mapstructure:"agent_cert_dir"`
	AgentDialTimeout time.Duration `mapstructure:"agent_dial_timeout"`

	// VM driver (§6 "libvirt driver binding")
	LibvirtAddr        string        `mapstructure:"libvirt_addr"`
	LibvirtDialTimeout time.Duration `mapstructure:"libvirt_dial_timeout"`

	// Metrics (teacher's pkg/metrics HTTP endpoint convention)
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Notifier (§6)
	SMTPHost      string `mapstructure:"smtp_host"`
	SMTPPort      int    `mapstructure:"smtp_port"`
	OperatorEmail string `mapstructure:"operator_email"`
	FromAddress   string `mapstructure:"from_address"`
	PatchURLBase  string `mapstructure:"patch_url_base"`

	// Periodic trigger (§4.5)
	WinetestURL      string        `mapstructure:"winetest_url"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ReconfigPriority int           `mapstructure:"reconfig_priority"`
	BaseSuitePriority int          `mapstructure:"base_suite_priority"`
	ExtraSuitePriority int         `mapstructure:"extra_suite_priority"`
}

// Default returns the configuration the scheduler ships with; Load overrides
// these with a file and environment variables.
func Default() Config {
	return Config{
		DataDir:                     "/var/lib/winetestbot",
		MaxTaskTries:                3,
		RevertBudget:                5 * time.Minute,
		WaitForToolsInVM:            3 * time.Minute,
		SettlePause:                 2 * time.Second,
		TaskDeadlineSlack:           30 * time.Second,
		JobPurgeDays:                30,
		JobArchiveDays:              7,
		MaxReportFileBytes:          32 << 20,
		MaxConcurrentRevertsPerHost: 4,
		MaxConcurrentRunningVMs:     16,
		AgentPort:                  8493,
		AgentTLS:                   false,
		AgentDialTimeout:           10 * time.Second,
		LibvirtAddr:                "127.0.0.1:16509",
		LibvirtDialTimeout:         15 * time.Second,
		MetricsAddr:                "127.0.0.1:9090",
		SMTPHost:                   "localhost",
		SMTPPort:                   25,
		PatchURLBase:               "https://winetestbot.example.org/patch",
		PollInterval:               5 * time.Minute,
		ReconfigPriority:           3,
		BaseSuitePriority:          8,
		ExtraSuitePriority:         9,
	}
}

// Load reads configFile (if non-empty) and environment variables prefixed
// WINETESTBOT_ on top of Default().
func Load(configFile string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("WINETESTBOT")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

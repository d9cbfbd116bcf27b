// Package config loads mdbctl's daemon configuration: an INI file
// overridden by command-line flags, the way the Decred-family daemons
// in the pack load theirs with github.com/jessevdk/go-flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "mdbctl.conf"
	defaultLogFilename     = "mdbctl.log"
	defaultBaud            = 115200
	defaultReadTimeout     = time.Second
	defaultPollPeriod      = 200 * time.Millisecond
	defaultEscrowDeadline  = 5 * time.Second
	defaultPayoutDeadline  = 5 * time.Second
	defaultPayoutInterval  = 80 * time.Millisecond
	defaultCashlessResetDl = 5 * time.Second
	defaultCashlessApprDl  = 30 * time.Second
	defaultCashlessRstIval = 100 * time.Millisecond
	defaultCashlessApIval  = 200 * time.Millisecond
	defaultLogLevel        = "info"
)

func defaultAppDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".mdbctl"
	}
	return filepath.Join(dir, ".mdbctl")
}

// Config is mdbctl's full runtime configuration (spec.md's external
// interfaces, plus the daemon's ambient operational parameters).
//
// The timing fields (PollPeriod, EscrowDeadline, Payout*, Cashless*) are
// parsed but not passed to the controller: its subsystems use fixed
// constants equal to these defaults, so overriding them has no effect.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDir     string `long:"appdir" description:"Directory to store data and logs"`

	SerialPort  string        `long:"port" description:"Path to the serial port device (e.g. /dev/ttyUSB0)"`
	Baud        int           `long:"baud" description:"Serial baud rate"`
	ReadTimeout time.Duration `long:"readtimeout" description:"Per-read serial timeout"`

	InventoryFile string `long:"inventoryfile" description:"Path to the persisted inventory JSON document"`

	PollPeriod time.Duration `long:"pollperiod" description:"Polling loop period"`

	EscrowDeadline time.Duration `long:"escrowdeadline" description:"Banknote escrow decision deadline"`

	PayoutDeadline time.Duration `long:"payoutdeadline" description:"Per-coin dispense confirmation deadline"`
	PayoutInterval time.Duration `long:"payoutinterval" description:"Dispense confirmation re-poll interval"`

	CashlessResetDeadline    time.Duration `long:"cashlessresetdeadline" description:"Cashless reset deadline"`
	CashlessApprovalDeadline time.Duration `long:"cashlessapprovaldeadline" description:"Cashless approval deadline"`
	CashlessResetInterval    time.Duration `long:"cashlessresetinterval" description:"Cashless reset re-poll interval"`
	CashlessApprovalInterval time.Duration `long:"cashlessapprovalinterval" description:"Cashless approval re-poll interval"`

	LegacyRouting bool `long:"legacyrouting" description:"Use the legacy two-bit coin routing mapping instead of the authoritative top-nibble mapping"`

	BillDenoms []int `long:"billdenom" description:"Banknote denomination table, in order, minor units (repeatable)"`

	Verbose  bool   `short:"v" long:"verbose" description:"Enable verbose protocol-level logging"`
	LogLevel string `long:"loglevel" description:"Log level: trace, debug, info, warn, error, critical, off"`
	LogFile  string `long:"logfile" description:"Path to the rotating log file"`
}

// Default returns a Config populated with spec.md's literal timing
// constants, so the spec's scenarios (§8) hold under default
// configuration.
func Default() Config {
	appDir := defaultAppDir()
	return Config{
		AppDir: appDir,

		SerialPort:  "/dev/ttyUSB0",
		Baud:        defaultBaud,
		ReadTimeout: defaultReadTimeout,

		InventoryFile: filepath.Join(appDir, "inventory.json"),

		PollPeriod: defaultPollPeriod,

		EscrowDeadline: defaultEscrowDeadline,

		PayoutDeadline: defaultPayoutDeadline,
		PayoutInterval: defaultPayoutInterval,

		CashlessResetDeadline:    defaultCashlessResetDl,
		CashlessApprovalDeadline: defaultCashlessApprDl,
		CashlessResetInterval:    defaultCashlessRstIval,
		CashlessApprovalInterval: defaultCashlessApIval,

		LegacyRouting: false,

		// Canonical currency cascade; overridable per deployment.
		BillDenoms: []int{500, 1000, 2000, 5000, 10000, 20000},

		LogLevel: defaultLogLevel,
		LogFile:  filepath.Join(appDir, defaultLogFilename),
	}
}

// Load parses args (typically os.Args[1:]) against an INI file (found
// either via -C/--configfile or the default app-dir location) and then
// CLI overrides, the go-flags way: a preliminary pass finds the config
// file path, the INI file populates defaults, and the final flag parse
// applies overrides on top.
func Load(args []string) (*Config, error) {
	cfg := Default()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}
	if preCfg.ConfigFile != "" {
		cfg.ConfigFile = preCfg.ConfigFile
	} else {
		cfg.ConfigFile = filepath.Join(cfg.AppDir, defaultConfigFilename)
	}

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		iniParser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(iniParser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfg.ConfigFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", cfg.ConfigFile, err)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SerialPort == "" {
		return fmt.Errorf("config: serial port must not be empty")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("config: baud rate must be positive")
	}
	if len(c.BillDenoms) == 0 {
		return fmt.Errorf("config: at least one bill denomination is required")
	}
	for _, d := range c.BillDenoms {
		if d <= 0 {
			return fmt.Errorf("config: bill denominations must be positive, got %d", d)
		}
	}
	return nil
}

package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/telamesh/exitd/src/billing"
	"github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/mesh"
	"github.com/telamesh/exitd/src/tunnel"
	"github.com/telamesh/exitd/src/verify"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultAPIAddr          = "127.0.0.1:4877"
	DefaultPoolCIDR         = "10.70.0.0/24"
	DefaultCodeLength       = 6
	DefaultCodeTTL          = 10 * time.Minute
	DefaultCodeCooldown     = 1 * time.Minute
	DefaultEnforceInterval  = 1 * time.Minute
	DefaultSuspendThreshold = int64(100)
	DefaultResumeThreshold  = int64(50)
	DefaultRemovalGrace     = 72 * time.Hour
	DefaultInactivityLimit  = 30 * 24 * time.Hour
	DefaultStore            = false
	DefaultSuspendTeardown  = false
)

// Config contains all the configuration properties of an exitd controller.
type Config struct {
	// DataDir is the top-level directory containing exitd configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// APIAddr is the address:port of the client-facing HTTP API.
	APIAddr string `mapstructure:"api-listen"`

	// Store activates persistent storage for the client registry.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// PoolCIDR is the range mesh-internal addresses are allocated from. The
	// network address and the first host (the exit's own gateway address) are
	// reserved.
	PoolCIDR string `mapstructure:"pool"`

	// CodeLength is the number of digits in a verification code.
	CodeLength int `mapstructure:"code-length"`

	// CodeTTL is how long a verification code stays valid.
	CodeTTL time.Duration `mapstructure:"code-ttl"`

	// CodeCooldown is the minimum delay between two code requests for the
	// same contact. Requests inside the window are rejected, not re-sent.
	CodeCooldown time.Duration `mapstructure:"code-cooldown"`

	// EnforceInterval is the period of the billing enforcer. A cycle that
	// overruns the interval delays the next one; cycles never overlap.
	EnforceInterval time.Duration `mapstructure:"enforce-interval"`

	// SuspendThreshold is the debt, in base token units, above which an
	// Active client is suspended.
	SuspendThreshold int64 `mapstructure:"suspend-threshold"`

	// ResumeThreshold is the debt at or below which a Suspended client is
	// resumed. It is kept below SuspendThreshold so clients don't flap
	// around a single value.
	ResumeThreshold int64 `mapstructure:"resume-threshold"`

	// RemovalGrace is how long a client may stay Suspended with debt above
	// the suspend threshold before it is removed and its address reclaimed.
	RemovalGrace time.Duration `mapstructure:"removal-grace"`

	// InactivityLimit is how long a client may go without contact before it
	// is removed.
	InactivityLimit time.Duration `mapstructure:"inactivity-limit"`

	// SuspendTeardown controls what suspension does to the tunnel device.
	// When false only the route is withdrawn, which makes resuming cheap.
	// When true the tunnel is also deprovisioned and is recreated on resume.
	SuspendTeardown bool `mapstructure:"suspend-teardown"`

	// Moniker defines the friendly name of this exit.
	Moniker string `mapstructure:"moniker"`

	// Kernel is the network-interface collaborator that owns tunnel
	// devices. When nil, an in-memory stand-in is used, which keeps the
	// controller runnable on machines where it may not touch the kernel.
	Kernel tunnel.Kernel

	// Routing is the mesh routing-daemon collaborator.
	Routing mesh.RoutingDaemon

	// Ledger is the payment-ledger collaborator.
	Ledger billing.Ledger

	// Sender is the transport that delivers verification codes.
	Sender verify.Sender

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		APIAddr:          DefaultAPIAddr,
		Store:            DefaultStore,
		DatabaseDir:      DefaultDatabaseDir(),
		PoolCIDR:         DefaultPoolCIDR,
		CodeLength:       DefaultCodeLength,
		CodeTTL:          DefaultCodeTTL,
		CodeCooldown:     DefaultCodeCooldown,
		EnforceInterval:  DefaultEnforceInterval,
		SuspendThreshold: DefaultSuspendThreshold,
		ResumeThreshold:  DefaultResumeThreshold,
		RemovalGrace:     DefaultRemovalGrace,
		InactivityLimit:  DefaultInactivityLimit,
		SuspendTeardown:  DefaultSuspendTeardown,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests. The enforcer interval is shortened and the
// registry stays in memory.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	config.EnforceInterval = 10 * time.Millisecond
	return config
}

// SetDataDir sets the top-level exitd directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "exitd".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "exitd")
}

// SetLogger overrides the underlying logger. It is used by the CLI to
// install a logger with file hooks.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level exitd
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Exitd")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Exitd")
		} else {
			return filepath.Join(home, ".exitd")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

package command

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/telamesh/exitd/src/config"
	"github.com/telamesh/exitd/src/exitnode"
	vers "github.com/telamesh/exitd/src/version"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	conf    *config.Config
	datadir *string
	version *bool
	logFile *bool
)

func init() {
	conf = config.NewDefaultConfig()

	cobra.OnInitialize(initConfig)

	// Base datadir
	datadir = RootCmd.PersistentFlags().StringP("datadir", "d", conf.DataDir, "Base configuration directory")

	// API
	RootCmd.PersistentFlags().StringP("api-listen", "l", conf.APIAddr, "Listen IP:Port for the client-facing API")

	// Registry
	RootCmd.PersistentFlags().Bool("store", conf.Store, "Use badgerDB instead of in-mem registry")
	RootCmd.PersistentFlags().String("db", conf.DatabaseDir, "Database directory")

	// Address pool
	RootCmd.PersistentFlags().String("pool", conf.PoolCIDR, "CIDR range mesh-internal addresses are allocated from")

	// Verification
	RootCmd.PersistentFlags().Int("code-length", conf.CodeLength, "Verification code length in digits")
	RootCmd.PersistentFlags().Duration("code-ttl", conf.CodeTTL, "Verification code time-to-live")
	RootCmd.PersistentFlags().Duration("code-cooldown", conf.CodeCooldown, "Minimum delay between code requests")

	// Billing
	RootCmd.PersistentFlags().Duration("enforce-interval", conf.EnforceInterval, "Time between billing enforcement cycles")
	RootCmd.PersistentFlags().Int64("suspend-threshold", conf.SuspendThreshold, "Debt above which a client is suspended")
	RootCmd.PersistentFlags().Int64("resume-threshold", conf.ResumeThreshold, "Debt at or below which a client is resumed")
	RootCmd.PersistentFlags().Duration("removal-grace", conf.RemovalGrace, "How long a suspended client may stay unpaid before removal")
	RootCmd.PersistentFlags().Duration("inactivity-limit", conf.InactivityLimit, "How long a client may go unseen before removal")
	RootCmd.PersistentFlags().Bool("suspend-teardown", conf.SuspendTeardown, "Tear down the tunnel device on suspension")

	// Various
	RootCmd.PersistentFlags().String("log", conf.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	RootCmd.PersistentFlags().String("moniker", conf.Moniker, "Friendly name of this exit")
	logFile = RootCmd.PersistentFlags().Bool("log-file", false, "Mirror logs into files in the datadir")

	// Version
	version = RootCmd.PersistentFlags().BoolP("version", "v", false, "Show version and exit")
}

func initConfig() {
	viper.AddConfigPath(*datadir)
	viper.SetConfigName("exitd")

	viper.BindPFlags(RootCmd.PersistentFlags())

	if err := viper.ReadInConfig(); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	if err := viper.Unmarshal(conf); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	conf.SetDataDir(*datadir)
}

// RootCmd is the root command for exitd.
var RootCmd = &cobra.Command{
	Use:   "exitd",
	Short: "Mesh exit-node admission, tunnel and billing controller",
	Long:  "Mesh exit-node admission, tunnel and billing controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		if *version {
			fmt.Println(vers.Version)

			return nil
		}

		if *logFile {
			conf.SetLogger(newLogger())
		}

		logger := conf.Logger()

		logger.WithFields(logrus.Fields{
			"datadir":           conf.DataDir,
			"api-listen":        conf.APIAddr,
			"store":             conf.Store,
			"db":                conf.DatabaseDir,
			"pool":              conf.PoolCIDR,
			"code-ttl":          conf.CodeTTL,
			"enforce-interval":  conf.EnforceInterval,
			"suspend-threshold": conf.SuspendThreshold,
			"resume-threshold":  conf.ResumeThreshold,
			"suspend-teardown":  conf.SuspendTeardown,
			"moniker":           conf.Moniker,
		}).Debug("RUN")

		engine := exitnode.NewExitNode(conf)

		if err := engine.Init(); err != nil {
			logger.Error("Cannot initialize engine:", err)

			return err
		}

		engine.Run()

		return nil
	},
}

// newLogger returns a logger that mirrors info and debug output into files
// under the datadir, on top of the usual stderr output.
func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(conf.LogLevel)
	logger.Formatter = new(prefixed.TextFormatter)

	pathMap := lfshook.PathMap{}

	infoPath := filepath.Join(conf.DataDir, "exitd_info.log")
	if _, err := os.OpenFile(infoPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open exitd_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoPath
	}

	debugPath := filepath.Join(conf.DataDir, "exitd_debug.log")
	if _, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open exitd_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugPath
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}

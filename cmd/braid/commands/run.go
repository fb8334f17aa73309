package commands

import (
	"os"
	"path/filepath"

	"github.com/braidnetworks/braid/src/braid"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a Braid node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runBraid,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runBraid(cmd *cobra.Command, args []string) error {
	engine := braid.NewBraid(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for braid node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for braid node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-conns", _config.MaxConns, "Connection table size max")
	cmd.Flags().StringSlice("seeds", _config.Seeds, "Multiaddresses dialed at startup")

	// Authentication
	cmd.Flags().StringP("network-key", "k", _config.NetworkKey, "Hex-encoded pre-shared network key")
	cmd.Flags().String("auth-policy", _config.AuthPolicy, "both, network-key-only, identity-only")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Do not serve the HTTP API")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Persist known peers in a badgerDB database")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Record / replay
	cmd.Flags().Bool("record", _config.Record, "Record transport events to a replayable log")
	cmd.Flags().String("record-file", _config.RecordFile, "Path of the transport event log")
	cmd.Flags().String("replay-file", _config.ReplayFile, "Replay a recorded event log instead of live I/O")

	// Node configuration
	cmd.Flags().Duration("heartbeat", _config.HeartbeatTimeout, "Time between ticks")

	// WebRTC
	cmd.Flags().Bool("webrtc", _config.WebRTC, "Use WebRTC transport")
	cmd.Flags().String("signal-addr", _config.SignalAddr, "IP:Port of WebRTC signaling server")
	cmd.Flags().String("signal-realm", _config.SignalRealm, "WebRTC signaling realm")
	cmd.Flags().Bool("signal-skip-verify", _config.SignalSkipVerify, "(Insecure) skip verification of the signal server's certificate")
	cmd.Flags().String("ice-addr", _config.ICEAddress, "URI of an ICE server (STUN or TURN)")
	cmd.Flags().String("ice-username", _config.ICEUsername, "Username for the ICE server")
	cmd.Flags().String("ice-password", _config.ICEPassword, "Password for the ICE server")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	addLogFileHooks(_config.Logger().Logger, _config.DataDir)

	logFields := logrus.Fields{
		"braid.DataDir":          _config.DataDir,
		"braid.BindAddr":         _config.BindAddr,
		"braid.AdvertiseAddr":    _config.AdvertiseAddr,
		"braid.ServiceAddr":      _config.ServiceAddr,
		"braid.MaxConns":         _config.MaxConns,
		"braid.AuthPolicy":       _config.AuthPolicy,
		"braid.Seeds":            _config.Seeds,
		"braid.Store":            _config.Store,
		"braid.LogLevel":         _config.LogLevel,
		"braid.Moniker":          _config.Moniker,
		"braid.HeartbeatTimeout": _config.HeartbeatTimeout,
		"braid.TCPTimeout":       _config.TCPTimeout,
		"braid.WebRTC":           _config.WebRTC,
	}

	if _config.Store {
		logFields["braid.DatabaseDir"] = _config.DatabaseDir
	}

	if _config.Record {
		logFields["braid.RecordFile"] = _config.RecordFile
	}

	if _config.ReplayFile != "" {
		logFields["braid.ReplayFile"] = _config.ReplayFile
	}

	if _config.WebRTC {
		logFields["braid.SignalAddr"] = _config.SignalAddr
		logFields["braid.SignalRealm"] = _config.SignalRealm
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/braid.toml (.json, .yaml also work)
	viper.SetConfigName("braid")         // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// addLogFileHooks mirrors info and debug output to files under the datadir,
// keeping the console output intact.
func addLogFileHooks(logger *logrus.Logger, datadir string) {
	pathMap := lfshook.PathMap{}

	infoLog := filepath.Join(datadir, "braid_info.log")
	if _, err := os.OpenFile(infoLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open braid_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoLog
	}

	debugLog := filepath.Join(datadir, "braid_debug.log")
	if _, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open braid_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugLog
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}

package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AddCommonFlags adds the flags shared by every command that reads the
// configuration.
func AddCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write logs to this file, rotated at 100MB")
	cmd.Flags().String("subnet", _config.SubnetID, "Subnet ID")
}

// AddStoreFlags adds the flags locating the shared state store.
func AddStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", _config.StoreBackend, "Store backend: sqlite or badger")
	cmd.Flags().String("db", _config.DatabaseDir, "Store directory")
	cmd.Flags().Int("page-size", _config.PageSize, "Default page size of list requests")
	cmd.Flags().Int("max-page-size", _config.MaxPageSize, "Maximum page size of list requests")
}

// AddQueryFlags adds the flags of the read-only query service.
func AddQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("query-listen", _config.QueryAddr, "Listen IP:Port for the query service")
	cmd.Flags().StringSlice("cors-origins", _config.CORSOrigins, "Origins allowed to call the query service")
	cmd.Flags().Int("qpm", _config.QueryRate, "Query service requests allowed per minute, 0 disables the limit")
	cmd.Flags().Bool("auth", _config.EnableAuth, "Require an API key in the X-API-Key header")
	cmd.Flags().String("auth-db", _config.AuthDB, "API key store directory")
}

// AddOracleFlags adds the flags selecting the stake oracle.
func AddOracleFlags(cmd *cobra.Command) {
	cmd.Flags().String("oracle", _config.OracleAddr, "JSON-RPC endpoint of the ledger")
	cmd.Flags().String("oracle-mode", _config.OracleMode, "Stake oracle: rpc or ledger")
	cmd.Flags().String("ledger-db", _config.LedgerDB, "Local ledger database used in ledger mode")
	cmd.Flags().Duration("oracle-timeout", _config.OracleTimeout, "Timeout of a stake query")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db or --ledger-db, this
	// will update the default paths to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	if err := _config.Validate(); err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":          _config.DataDir,
		"LogLevel":         _config.LogLevel,
		"LogFile":          _config.LogFile,
		"Moniker":          _config.Moniker,
		"SubnetID":         _config.SubnetID,
		"BootstrapPeers":   _config.BootstrapPeers,
		"IsBootstrap":      _config.IsBootstrap,
		"Transport":        _config.Transport,
		"BindAddr":         _config.BindAddr,
		"AdvertiseAddr":    _config.AdvertiseAddr,
		"HeartbeatTimeout": _config.HeartbeatTimeout,
		"LivenessTimeout":  _config.EffectiveLivenessTimeout(),
		"ProbeTimeout":     _config.ProbeTimeout,
		"OracleMode":       _config.OracleMode,
		"OracleAddr":       _config.OracleAddr,
		"OracleTimeout":    _config.OracleTimeout,
		"MinStake":         _config.MinStake,
		"MaxConcurrency":   _config.MaxConcurrency,
		"StoreBackend":     _config.StoreBackend,
		"DatabaseDir":      _config.DatabaseDir,
		"ServiceAddr":      _config.ServiceAddr,
		"QueryAddr":        _config.QueryAddr,
		"EnableAuth":       _config.EnableAuth,
	}).Debug("Config")

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

	// look for config file in [datadir]/stakenet.toml (.json, .yaml also work)
	viper.SetConfigName("stakenet")      // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in. The logger is only created once
	// the file has been read, since it may set the level and the log file.
	found := true
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		found = false
	}

	// second unmarshal to read from config file
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	if found {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	}
	return nil
}

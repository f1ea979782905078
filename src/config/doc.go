// Package config defines the configuration of a stakenet node and of its
// query service.
//
// A single Config object is populated from command-line flags and from an
// optional stakenet.toml (or .yaml, .json) file in the data directory, then
// passed by pointer to every component. Besides the configuration options, the
// node relies on a data directory, defined by Config.DataDir, where it expects
// to find a few additional files:
//
//	priv_key // a plain text file containing the raw private key (cf. stakenet keygen).
//	peers.json // (optional) a JSON file listing bootstrap peers.
//	subnet_db/ // the shared state store (cf. Config.DatabaseDir).
//	ledger.db // (optional) the local ledger used when OracleMode is "ledger".
package config

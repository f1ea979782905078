package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultDatabaseFile is the default name of the folder containing the
	// shared state store
	DefaultDatabaseFile = "subnet_db"

	// DefaultLedgerFile is the default name of the local ledger database used
	// when the oracle runs in ledger mode
	DefaultLedgerFile = "ledger.db"

	// DefaultAuthFile is the default name of the folder containing the API
	// keys of the query service
	DefaultAuthFile = "auth_db"
)

// Transports.
const (
	TransportTCP    = "tcp"
	TransportLibP2P = "libp2p"
)

// Oracle modes.
const (
	OracleRPC    = "rpc"
	OracleLedger = "ledger"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Default configuration values.
const (
	DefaultLogLevel         = "info"
	DefaultSubnetID         = "1"
	DefaultTransport        = TransportTCP
	DefaultBindAddr         = "127.0.0.1:1337"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultQueryAddr        = "127.0.0.1:8080"
	DefaultMaxPool          = 2
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultLivenessFactor   = 3
	DefaultProbeTimeout     = 2 * time.Second
	DefaultOracleAddr       = "http://127.0.0.1:9944"
	DefaultOracleMode       = OracleRPC
	DefaultOracleTimeout    = 5 * time.Second
	DefaultMinStake         = 0
	DefaultMaxConcurrency   = 8
	DefaultStoreBackend     = StoreSQLite
	DefaultPageSize         = 100
	DefaultMaxPageSize      = 1000
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultQueryRate        = 600
	DefaultKeyRate          = 60
	DefaultLogFileMaxSizeMB = 100
	DefaultLogFileBackups   = 3
)

// Config contains all the configuration properties of a stakenet node and of
// the query service. It is built once at start-up and passed by pointer to
// every component.
type Config struct {
	// DataDir is the top-level directory containing configuration, keys and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log line. The file is
	// rotated when it grows past 100MB.
	LogFile string `mapstructure:"log-file"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// SubnetID is the subnet this node belongs to. Only peers registered and
	// staked on this subnet are admitted.
	SubnetID string `mapstructure:"subnet"`

	// BootstrapPeers lists the bootstrap peers to contact on start-up. With the
	// tcp transport an entry reads <peer_id>@<host:port>; with libp2p it is a
	// multiaddr ending in /p2p/<peer_id>. Bootstrap peers are admitted without
	// a stake check but remain subject to liveness checks. Entries from
	// peers.json in the DataDir are added to this list.
	BootstrapPeers []string `mapstructure:"bootstrap"`

	// IsBootstrap marks this node as a bootstrap node. A bootstrap node does
	// not verify its own stake before joining.
	IsBootstrap bool `mapstructure:"is-bootstrap"`

	// SkipSelfCheck starts the node without waiting for the oracle to report
	// its own stake.
	SkipSelfCheck bool `mapstructure:"skip-self-check"`

	// Transport selects the network transport: tcp or libp2p.
	Transport string `mapstructure:"transport"`

	// BindAddr is the local address:port where this node listens. With the
	// libp2p transport it may also be a multiaddr.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// MaxPool controls how many connections are pooled per target by the tcp
	// transport.
	MaxPool int `mapstructure:"max-pool"`

	// NoMDNS disables local network discovery on the libp2p transport.
	NoMDNS bool `mapstructure:"no-mdns"`

	// HeartbeatTimeout is the period of the discovery loop. Every tracked peer
	// is probed and re-verified once per heartbeat.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// LivenessTimeout is how long a peer may go without a successful probe
	// before it is evicted from the active set. Zero means three heartbeats.
	LivenessTimeout time.Duration `mapstructure:"liveness-timeout"`

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration `mapstructure:"probe-timeout"`

	// OracleAddr is the endpoint of the ledger node queried for stake.
	OracleAddr string `mapstructure:"oracle"`

	// OracleMode selects how stake is queried: rpc (JSON-RPC against
	// OracleAddr) or ledger (a local ledger database, see LedgerDB).
	OracleMode string `mapstructure:"oracle-mode"`

	// LedgerDB is the path of the local ledger database used in ledger mode.
	LedgerDB string `mapstructure:"ledger-db"`

	// OracleTimeout bounds a single stake query.
	OracleTimeout time.Duration `mapstructure:"oracle-timeout"`

	// MinStake is the minimum stake amount, in ledger units, a peer must hold
	// on top of being reported as staked.
	MinStake uint64 `mapstructure:"min-stake"`

	// MaxConcurrency bounds the number of concurrent probes and admissions.
	MaxConcurrency int `mapstructure:"max-concurrency"`

	// StoreBackend selects the embedded engine: sqlite or badger. Only sqlite
	// can be read by a separate query process while the node is running.
	StoreBackend string `mapstructure:"store"`

	// DatabaseDir is the directory containing the store files.
	DatabaseDir string `mapstructure:"db"`

	// PageSize is the page size used when a list request does not set one.
	PageSize int `mapstructure:"page-size"`

	// MaxPageSize caps the page size of list requests.
	MaxPageSize int `mapstructure:"max-page-size"`

	// PruneAfter deletes history records of evicted or rejected peers once
	// they are older than this. Zero keeps them forever.
	PruneAfter time.Duration `mapstructure:"prune-after"`

	// ShutdownTimeout bounds the wait for in-flight probes and admissions on
	// shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`

	// NoService disables the node's HTTP service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the node's HTTP service (stats,
	// peers and metrics).
	ServiceAddr string `mapstructure:"service-listen"`

	// QueryAddr is the address:port of the read-only query service.
	QueryAddr string `mapstructure:"query-listen"`

	// CORSOrigins lists the origins allowed to call the query service.
	CORSOrigins []string `mapstructure:"cors-origins"`

	// QueryRate is the number of query service requests allowed per minute.
	// Zero disables rate limiting.
	QueryRate int `mapstructure:"qpm"`

	// EnableAuth makes the query service require an API key in the X-API-Key
	// header. Each key is rate limited on its own, see KeyRate.
	EnableAuth bool `mapstructure:"auth"`

	// AuthDB is the directory of the API key store. It always uses the
	// sqlite backend so that keys can be managed while the query service
	// runs.
	AuthDB string `mapstructure:"auth-db"`

	// KeyRate is the per-minute limit given to new API keys that do not set
	// their own.
	KeyRate int `mapstructure:"key-qpm"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		SubnetID:         DefaultSubnetID,
		Transport:        DefaultTransport,
		BindAddr:         DefaultBindAddr,
		MaxPool:          DefaultMaxPool,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		ProbeTimeout:     DefaultProbeTimeout,
		OracleAddr:       DefaultOracleAddr,
		OracleMode:       DefaultOracleMode,
		LedgerDB:         DefaultLedgerDB(),
		OracleTimeout:    DefaultOracleTimeout,
		MinStake:         DefaultMinStake,
		MaxConcurrency:   DefaultMaxConcurrency,
		StoreBackend:     DefaultStoreBackend,
		DatabaseDir:      DefaultDatabaseDir(),
		PageSize:         DefaultPageSize,
		MaxPageSize:      DefaultMaxPageSize,
		ShutdownTimeout:  DefaultShutdownTimeout,
		ServiceAddr:      DefaultServiceAddr,
		QueryAddr:        DefaultQueryAddr,
		CORSOrigins:      []string{"*"},
		QueryRate:        DefaultQueryRate,
		AuthDB:           DefaultAuthDB(),
		KeyRate:          DefaultKeyRate,
	}

	return config
}

// NewTestConfig returns a config object with default values, a data directory
// private to the test, short timers, and a special logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.SetDataDir(t.TempDir())
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ProbeTimeout = 50 * time.Millisecond
	config.OracleTimeout = 50 * time.Millisecond
	config.ShutdownTimeout = time.Second
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database, ledger
// and API key paths if they are currently set to their default values. If they are
// not the default, it means the user has explicitely set them to something
// else, so avoid changing them again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultDatabaseFile)
	}
	if c.LedgerDB == DefaultLedgerDB() {
		c.LedgerDB = filepath.Join(dataDir, DefaultLedgerFile)
	}
	if c.AuthDB == DefaultAuthDB() {
		c.AuthDB = filepath.Join(dataDir, DefaultAuthFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// EffectiveLivenessTimeout returns LivenessTimeout, or three heartbeats when it
// is not set.
func (c *Config) EffectiveLivenessTimeout() time.Duration {
	if c.LivenessTimeout > 0 {
		return c.LivenessTimeout
	}
	return DefaultLivenessFactor * c.HeartbeatTimeout
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.SubnetID == "" {
		return fmt.Errorf("subnet id must be set")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.LivenessTimeout != 0 && c.LivenessTimeout < c.HeartbeatTimeout {
		return fmt.Errorf("liveness-timeout (%v) must not be shorter than heartbeat (%v)", c.LivenessTimeout, c.HeartbeatTimeout)
	}
	if c.ProbeTimeout <= 0 || c.OracleTimeout <= 0 {
		return fmt.Errorf("probe-timeout and oracle-timeout must be positive")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max-concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	switch c.Transport {
	case TransportTCP, TransportLibP2P:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.OracleMode {
	case OracleRPC, OracleLedger:
	default:
		return fmt.Errorf("unknown oracle mode %q", c.OracleMode)
	}
	switch c.StoreBackend {
	case StoreSQLite, StoreBadger:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.PageSize < 1 || c.MaxPageSize < c.PageSize {
		return fmt.Errorf("page-size (%d) must be positive and not above max-page-size (%d)", c.PageSize, c.MaxPageSize)
	}
	if c.KeyRate < 0 {
		return fmt.Errorf("key-qpm must not be negative, got %d", c.KeyRate)
	}
	return nil
}

// SetLogger replaces the logger returned by Logger.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "stakenet".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			c.logger.AddHook(lfshook.NewHook(
				&lumberjack.Logger{
					Filename:   c.LogFile,
					MaxSize:    DefaultLogFileMaxSizeMB,
					MaxBackups: DefaultLogFileBackups,
				},
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "stakenet")
}

// DefaultDatabaseDir returns the default path for the store files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultDatabaseFile)
}

// DefaultLedgerDB returns the default path of the local ledger database.
func DefaultLedgerDB() string {
	return filepath.Join(DefaultDataDir(), DefaultLedgerFile)
}

// DefaultAuthDB returns the default path of the API key store.
func DefaultAuthDB() string {
	return filepath.Join(DefaultDataDir(), DefaultAuthFile)
}

// DefaultDataDir return the default directory name for top-level stakenet
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Stakenet")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Stakenet")
		} else {
			return filepath.Join(home, ".stakenet")
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

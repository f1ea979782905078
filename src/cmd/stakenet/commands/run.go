package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/mosaicnetworks/stakenet/src/crypto/keys"
	"github.com/mosaicnetworks/stakenet/src/identity"
	"github.com/mosaicnetworks/stakenet/src/net"
	"github.com/mosaicnetworks/stakenet/src/node"
	"github.com/mosaicnetworks/stakenet/src/oracle"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/mosaicnetworks/stakenet/src/query"
	"github.com/mosaicnetworks/stakenet/src/service"
	"github.com/mosaicnetworks/stakenet/src/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var withQuery bool

// NewRunCmd returns the command that starts a stakenet node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runNode(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	key, err := keys.NewSimpleKeyfile(_config.Keyfile()).ReadKey()
	if err != nil {
		return fmt.Errorf("reading private key (run keygen first?): %w", err)
	}
	_config.Key = key

	id, err := identity.New(key, _config.Moniker)
	if err != nil {
		return err
	}

	bootstrap, err := loadBootstrap()
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"peer_id":   id.PeerID(),
		"bootstrap": len(bootstrap),
	}).Info("Starting node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenWriter(ctx, _config.StoreBackend, _config.DatabaseDir, storeOptions(),
		logger.WithField("prefix", "store"))
	if err != nil {
		return err
	}

	trans, err := newTransport(id)
	if err != nil {
		st.Close()
		return err
	}

	o, err := oracle.New(ctx, _config)
	if err != nil {
		trans.Close()
		st.Close()
		return err
	}

	n := node.NewNode(_config, id, bootstrap, st, trans, o)
	defer n.Shutdown()

	if err := n.Init(); err != nil {
		logger.WithError(err).Error("Cannot initialize node")
		return err
	}

	var svc *service.Service
	if !_config.NoService {
		svc = service.NewService(_config.ServiceAddr, n, logger.WithField("prefix", "service"))
		go serve("service", svc.Serve, logger)
	}

	// A badger store cannot be opened by a second process, so its query
	// service runs here, on a view of the writer.
	var qs *query.Server
	if withQuery || _config.StoreBackend == config.StoreBadger {
		qs = query.NewServer(_config, st.ReadOnlyView(), logger.WithField("prefix", "query"))
		if _config.EnableAuth {
			keys, kr, err := openKeyRing()
			if err != nil {
				logger.WithError(err).Error("Cannot open API keys")
				return err
			}
			defer kr.Close()
			qs.RequireKeys(keys)
		}
		go serve("query", qs.Serve, logger)
	}

	n.RunAsync(ctx)

	<-ctx.Done()
	logger.Info("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), _config.ShutdownTimeout)
	defer cancel()

	if svc != nil {
		svc.Shutdown(sctx)
	}
	if qs != nil {
		qs.Shutdown(sctx)
	}

	return nil
}

func serve(name string, f func() error, logger *logrus.Entry) {
	if err := f(); err != nil {
		logger.WithError(err).Errorf("%s server stopped", name)
	}
}

// loadBootstrap merges peers.json with the --bootstrap flags.
func loadBootstrap() ([]peers.BootstrapPeer, error) {
	fromFile, err := peers.NewJSONPeerSet(_config.DataDir).Peers()
	if err != nil {
		return nil, fmt.Errorf("reading peers.json: %w", err)
	}

	merged, err := peers.MergeBootstrap(fromFile, _config.BootstrapPeers)
	if err != nil {
		return nil, err
	}

	res := make([]peers.BootstrapPeer, 0, len(merged))
	for _, p := range merged {
		res = append(res, *p)
	}
	return res, nil
}

func newTransport(id *identity.NodeIdentity) (net.Transport, error) {
	local := net.Local{PeerID: id.PeerID(), SubnetID: _config.SubnetID, Key: id.Key}
	logger := _config.Logger().WithField("prefix", "net")

	switch _config.Transport {
	case config.TransportLibP2P:
		key, err := id.LibP2PKey()
		if err != nil {
			return nil, err
		}
		return net.NewLibp2pTransport(key, _config.BindAddr, local,
			_config.ProbeTimeout, _config.NoMDNS, logger)
	default:
		return net.NewTCPTransport(_config.BindAddr, _config.AdvertiseAddr, local,
			_config.MaxPool, _config.ProbeTimeout, logger)
	}
}

func storeOptions() store.Options {
	return store.Options{
		PageSize:    _config.PageSize,
		MaxPageSize: _config.MaxPageSize,
	}
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	AddCommonFlags(cmd)
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().String("transport", _config.Transport, "Network transport: tcp or libp2p")
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port (or multiaddr) for the node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the node")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	cmd.Flags().Bool("no-mdns", _config.NoMDNS, "Disable mDNS discovery on the libp2p transport")
	cmd.Flags().StringSlice("bootstrap", _config.BootstrapPeers, "Bootstrap peers: <peer_id>@<host:port> or /p2p multiaddrs")
	cmd.Flags().Bool("is-bootstrap", _config.IsBootstrap, "Run as a bootstrap node")
	cmd.Flags().Bool("skip-self-check", _config.SkipSelfCheck, "Do not wait for own stake before running")

	// Discovery
	cmd.Flags().Duration("heartbeat", _config.HeartbeatTimeout, "Time between discovery cycles")
	cmd.Flags().Duration("liveness-timeout", _config.LivenessTimeout, "Eviction delay without a successful probe, 0 is three heartbeats")
	cmd.Flags().Duration("probe-timeout", _config.ProbeTimeout, "Timeout of a single liveness probe")
	cmd.Flags().Uint64("min-stake", _config.MinStake, "Minimum stake amount")
	cmd.Flags().Int("max-concurrency", _config.MaxConcurrency, "Max concurrent probes and admissions")
	cmd.Flags().Duration("prune-after", _config.PruneAfter, "Delete peer history older than this, 0 keeps it")
	cmd.Flags().Duration("shutdown-timeout", _config.ShutdownTimeout, "Wait for in-flight operations on shutdown")

	AddOracleFlags(cmd)
	AddStoreFlags(cmd)

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Query
	cmd.Flags().BoolVar(&withQuery, "query", false, "Also run the query service in the node process")
	AddQueryFlags(cmd)
}

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/stakenet/src/query"
	"github.com/mosaicnetworks/stakenet/src/store"
	"github.com/spf13/cobra"
)

// NewQueryCmd returns the command that serves the store read-only
func NewQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "query",
		Short:   "Serve the shared state store over a read-only HTTP API",
		PreRunE: loadConfig,
		RunE:    runQuery,
	}
	AddCommonFlags(cmd)
	AddStoreFlags(cmd)
	AddQueryFlags(cmd)
	cmd.Flags().Duration("shutdown-timeout", _config.ShutdownTimeout, "Wait for in-flight requests on shutdown")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	r, err := store.OpenReader(_config.StoreBackend, _config.DatabaseDir, storeOptions(),
		logger.WithField("prefix", "store"))
	if err != nil {
		logger.WithError(err).Error("Cannot open store")
		return err
	}
	defer r.Close()

	qs := query.NewServer(_config, r, logger.WithField("prefix", "query"))
	if _config.EnableAuth {
		keys, kr, err := openKeyRing()
		if err != nil {
			logger.WithError(err).Error("Cannot open API keys")
			return err
		}
		defer kr.Close()
		qs.RequireKeys(keys)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- qs.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), _config.ShutdownTimeout)
	defer cancel()
	return qs.Shutdown(sctx)
}

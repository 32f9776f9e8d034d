// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/observability"
	"github.com/xkilldash9x/browserpilot/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		listen   string
		headless bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP control API and the live event feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.SetServerListen(listen)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			return serve(ctx, cfg, observability.GetLogger(), func(addr net.Addr) {
				fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)
			})
		},
	}

	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, overrides server.listen")
	serveCmd.Flags().BoolVar(&headless, "headless", false, "Run a launched browser without a window")
	return serveCmd
}

// serve runs the HTTP server until ctx ends, then drains sessions and
// releases the browser.
func serve(ctx context.Context, cfg config.Interface, logger *zap.Logger, onListen func(net.Addr)) error {
	components, err := componentFactory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	srv := server.New(cfg.Server(), logger, components.Manager, components.Bus, components.Metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, onListen)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), componentShutdownTimeout)
		defer cancel()
		return components.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped.")
	return nil
}

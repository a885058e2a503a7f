package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transairobot/rccar_go/gateway"
)

func newGatewayCmd() *cobra.Command {
	var (
		addr           string
		certFile       string
		keyFile        string
		dropEvery      int
		corruptEvery   int
		statusInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a QUIC gateway backed by a simulated vehicle",
		Long:  "Terminates driver links and applies their commands to a simulated vehicle. Without --cert/--key a self-signed certificate is generated.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := gateway.NewServer(&gateway.Config{
				CertFile:       certFile,
				PrivateFile:    keyFile,
				StatusInterval: statusInterval,
				NewVehicle: func() gateway.Vehicle {
					v := gateway.NewSimVehicle()
					v.DropEvery = dropEvery
					v.CorruptEvery = corruptEvery
					return v
				},
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, srv, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":7312", "Listen address")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS private key file")
	cmd.Flags().IntVar(&dropEvery, "drop-every", 0, "Drop every Nth ack (0 disables)")
	cmd.Flags().IntVar(&corruptEvery, "corrupt-every", 0, "Corrupt every Nth ack (0 disables)")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", time.Second, "Status push interval (0 disables)")

	return cmd
}

func runGateway(ctx context.Context, srv *gateway.Server, addr string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		zap.L().Info("正在停止网关")
		return srv.Stop()
	})
	return g.Wait()
}

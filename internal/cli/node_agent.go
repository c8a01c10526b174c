package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/rankwatch/internal/launcher"
)

func buildNodeAgentCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "node-agent",
		Short: "Start a node agent that spawns ranks for a remote supervisor",
		Long: `Serve spawn, signal and wait requests over gRPC so a supervisor on another
host can place ranks here with --node name=host:port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeAgent(cmd, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":29500", "gRPC listen address")
	return cmd
}

func runNodeAgent(cmd *cobra.Command, listen string) error {
	level, format := logLevel, logFormat
	if level == "" {
		level = "info"
	}
	logger, err := newLogger(level, format, cmd.ErrOrStderr())
	if err != nil {
		return configError(err)
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	ns := launcher.NewNodeServer(launcher.NewLocalSpawner(), logger)
	grpcServer := grpc.NewServer()
	launcher.RegisterNodeSpawnerServer(grpcServer, ns)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	logger.Info("node agent listening", "addr", lis.Addr().String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down node agent")
	case err := <-errCh:
		ns.Close()
		return fmt.Errorf("gRPC server failed: %w", err)
	}

	// Kill first so pending Wait calls return before the graceful stop.
	ns.Close()
	grpcServer.GracefulStop()
	return nil
}

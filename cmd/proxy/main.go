// Command proxy runs the threaded HTTP/HTTPS forwarding proxy described
// in SPEC_FULL.md.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"uapnet/internal/buildinfo"
	"uapnet/internal/metrics"
	"uapnet/internal/proxy"
)

const (
	minPort = 1024
	maxPort = 65535
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy <port>",
		Short: "Run the HTTP/HTTPS forwarding proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			return run(cmd.Context(), args[0], metricsAddr)
		},
	}
	cmd.Flags().String("metrics-addr", "127.0.0.1:9102", "address to expose Prometheus /metrics on")
	return cmd
}

func run(ctx context.Context, portArg, metricsAddr string) error {
	port, err := strconv.Atoi(portArg)
	if err != nil || port < minPort || port > maxPort {
		return fmt.Errorf("proxy: invalid port %q: must be an integer in [%d, %d]", portArg, minPort, maxPort)
	}

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.AddHook(buildinfo.NewRunIDHook())

	reg := prometheus.NewRegistry()
	proxyMetrics := metrics.NewProxy(reg)

	srv, err := proxy.NewServer(fmt.Sprintf("0.0.0.0:%d", port), log, proxyMetrics)
	if err != nil {
		return err
	}
	log.Infof("Proxy listening on port %d", port)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	go func() {
		if err := metrics.Serve(ctx, metricsAddr, reg); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	return srv.Run(ctx)
}

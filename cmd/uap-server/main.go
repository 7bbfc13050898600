// Command uap-server runs the UAP session server described in SPEC_FULL.md.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"uapnet/internal/buildinfo"
	"uapnet/internal/metrics"
	"uapnet/internal/stdinquit"
	"uapnet/internal/uap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("UAP_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "uap-server <port>",
		Short: "Run the UAP session server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port := args[0]
			inactive := v.GetDuration("inactive-timeout")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			return run(cmd.Context(), port, inactive, metricsAddr)
		},
	}
	cmd.Flags().Duration("inactive-timeout", uap.DefaultInactiveTimeout, "session inactivity bound (T_inactive)")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9101", "address to expose Prometheus /metrics on")
	_ = v.BindPFlag("inactive-timeout", cmd.Flags().Lookup("inactive-timeout"))

	return cmd
}

func run(ctx context.Context, portArg string, inactive time.Duration, metricsAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", "0.0.0.0:"+portArg)
	if err != nil {
		return fmt.Errorf("uap-server: invalid port %q: %w", portArg, err)
	}

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.AddHook(buildinfo.NewRunIDHook())

	reg := prometheus.NewRegistry()
	uapMetrics := metrics.NewUAP(reg)

	srv, err := uap.NewServer(addr, uap.ServerConfig{
		InactiveTimeout: inactive,
		Logger:          log,
		Metrics:         uapMetrics,
	})
	if err != nil {
		return err
	}
	log.Infof("Waiting on port %s...", portArg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
	go stdinquit.Watch(os.Stdin, cancel)
	go func() {
		if err := metrics.Serve(ctx, metricsAddr, reg); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	err = srv.Run(ctx)
	log.Info("Server has stopped.")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Command uap-client connects to a UAP server and sends lines from a file
// or standard input as DATA packets, per SPEC_FULL.md §4.4.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"uapnet/internal/buildinfo"
	"uapnet/internal/uap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uap-client <hostname> <port> [inputfile]",
		Short: "Connect to a UAP server and send lines as DATA",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, port := args[0], args[1]
			var inputFile string
			if len(args) == 3 {
				inputFile = args[2]
			}
			return run(cmd.Context(), hostname, port, inputFile)
		},
	}
}

func run(ctx context.Context, hostname, port, inputFile string) error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hostname, port))
	if err != nil {
		return fmt.Errorf("uap-client: invalid address %s:%s: %w", hostname, port, err)
	}

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.AddHook(buildinfo.NewRunIDHook())

	client, err := uap.Dial(raddr, log)
	if err != nil {
		return err
	}

	var src uap.LineSource
	if inputFile != "" {
		f, err := os.Open(inputFile)
		if err != nil {
			return fmt.Errorf("uap-client: open input file: %w", err)
		}
		defer f.Close()
		src = uap.NewFileLineSource(f)
	} else {
		src = uap.NewStdinLineSource(os.Stdin)
	}

	return client.Run(ctx, src)
}

// Command rackctl drives a rackd instance over its HTTP API and follows its
// lifecycle events over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	baseURL  string
	grpcAddr string
	natsURL  string
	verbose  bool

	out io.Writer
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out, log: zap.NewNop()}

	root := &cobra.Command{
		Use:          "rackctl",
		Short:        "Manage racks and servers on a rackd instance",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.verbose {
				return nil
			}
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			opts.log = log
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("RACKCTL_URL", "http://localhost:8080"), "rackd HTTP base URL")
	root.PersistentFlags().StringVar(&opts.grpcAddr, "grpc-addr", envOr("RACKCTL_GRPC_ADDR", "localhost:50051"), "rackd gRPC address")
	root.PersistentFlags().StringVar(&opts.natsURL, "nats", envOr("RACKCTL_NATS_URL", "nats://localhost:4222"), "NATS URL for watch")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log requests to stderr")

	root.AddCommand(
		newPingCmd(opts),
		newRackCmd(opts),
		newServerCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) client() *client {
	return newClient(o.baseURL, o.log)
}

func (o *options) print(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

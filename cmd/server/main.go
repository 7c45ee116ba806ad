// Package main implements the otun server: it listens for tunnel control
// channels, allocates public ports, and relays visitor traffic to clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bc183/otun/internal/server"
	"github.com/bc183/otun/internal/version"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var debugFlag bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "otun",
		Short: "Run the otun tunnel server",
	}
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("otun-server " + version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "server [bind_addr]",
		Short: "Listen for tunnel clients and serve visitors",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServer,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	setLogLevel(debugFlag)

	bindAddr := "0.0.0.0:2333"
	if len(args) == 1 {
		bindAddr = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(bindAddr, server.DefaultPortRangeLo, server.DefaultPortRangeHi)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("shutting down")
	return nil
}

// setLogLevel applies OTUN_LOG_LEVEL if set, otherwise the --debug flag,
// defaulting to info.
func setLogLevel(debug bool) {
	if lvl := os.Getenv("OTUN_LOG_LEVEL"); lvl != "" {
		parsed, err := log.ParseLevel(lvl)
		if err == nil {
			log.SetLevel(parsed)
			return
		}
		fmt.Fprintf(os.Stderr, "invalid OTUN_LOG_LEVEL %q: %v\n", lvl, err)
	}

	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// Package main implements the otun client: it establishes a tunnel for a
// local TCP service and keeps it alive until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bc183/otun/internal/client"
	"github.com/bc183/otun/internal/version"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var debugFlag bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "otun",
		Short: "Expose a local TCP service through a reverse tunnel",
	}
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("otun " + version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "client <remote_addr> <local_port>",
		Short: "Expose 127.0.0.1:<local_port> through a tunnel at <remote_addr>",
		Args:  cobra.ExactArgs(2),
		RunE:  runClient,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	setLogLevel(debugFlag)

	remoteAddr := args[0]
	localPort, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid local port %q: %w", args[1], err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tun := client.Start(ctx, remoteAddr, uint16(localPort))

	assignedPort, err := tun.AssignedPort(ctx)
	if err != nil {
		tun.Shutdown()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("establish tunnel: %w", err)
	}

	fmt.Printf("Remote port: %d\n", assignedPort)

	<-tun.Done()
	if err := tun.Err(); err != nil && !errors.Is(err, client.ErrShutdown) {
		return err
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

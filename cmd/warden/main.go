// The warden command runs the auth server. Game clients connect to it over TLS
// to prove who they are and leave with a session key and a greetcode.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dcrodman/warden/internal"
	"github.com/dcrodman/warden/internal/core"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "warden auth server and related tools",
		RunE:  ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing the server config file")

	certCmd.Flags().StringVar(&IPFlag, "ip", "", "Server's external IP or comma-separated IPs and host names")
	certCmd.Flags().StringVarP(&OutFlag, "out", "o", "", "Directory the certificate and key are written to (defaults to --config)")
	rootCmd.AddCommand(certCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func ServerCommand(cmd *cobra.Command, args []string) error {
	// A .env file is optional; the environment always wins over config.yaml.
	_ = godotenv.Load()

	config, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		return err
	}
	fmt.Println("using configuration directory:", ConfigFlag)

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// exitHandler cancels the server context on the first signal and exits
// immediately on the second.
func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}

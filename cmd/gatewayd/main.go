package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"notifygw/internal/app"
	"notifygw/internal/config"
	"notifygw/internal/credstore"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const stopTimeout = 20 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "gatewayd - chat notification delivery gateway",
	Long: `gatewayd keeps one authenticated chat session alive and exposes an
HTTP API that turns task events into chat messages. Messages sent while
the session is down are queued in memory and delivered after reconnect.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gatewayd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "path to config file (.json, .yaml); empty runs on defaults and env")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "dotenv files loaded before the config (default .env)")

	credentialsCmd.AddCommand(credentialsShowCmd)
	credentialsCmd.AddCommand(credentialsClearCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(versionCmd)
}

func options(cmd *cobra.Command) (app.Options, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return app.Options{}, fmt.Errorf("load env file: %w", err)
	}
	return app.Options{ConfigPath: cfgPath}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway until SIGINT or SIGTERM.

SIGHUP drops the chat session and reconnects from stored credentials.
Config file edits are picked up live where possible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := options(cmd)
		if err != nil {
			return err
		}
		gw, err := app.NewApp(opts)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := gw.Start(ctx); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = gw.Stop(stopCtx, app.StopFatalError)
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigCh)

		reason := app.StopUnknown
	wait:
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					gw.Restart()
					continue
				case syscall.SIGTERM:
					reason = app.StopSIGTERM
				default:
					reason = app.StopSIGINT
				}
				break wait
			case <-gw.Done():
				reason = app.StopFatalError
				break wait
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		stopErr := gw.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			if err := gw.Err(); err != nil {
				return err
			}
		}
		return stopErr
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Inspect or clear stored session credentials",
	Long: `Inspect or clear the stored session credentials.

Run these while the gateway is stopped; the bolt driver holds an exclusive
lock while the gateway is running.`,
}

var credentialsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Report whether credentials are stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := options(cmd)
		if err != nil {
			return err
		}
		store, name, err := app.OpenCredentials(opts)
		if err != nil {
			return err
		}
		defer store.Close()

		blob, err := store.Load(cmd.Context(), name)
		switch {
		case errors.Is(err, credstore.ErrNotFound):
			fmt.Printf("Session %q: no credentials stored\n", name)
			return nil
		case err != nil:
			return fmt.Errorf("load credentials: %w", err)
		}
		fmt.Printf("Session %q: credentials stored (%d bytes)\n", name, len(blob))
		return nil
	},
}

var credentialsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete stored credentials, forcing a new login",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := options(cmd)
		if err != nil {
			return err
		}
		store, name, err := app.OpenCredentials(opts)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(cmd.Context(), name); err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		fmt.Printf("✓ Credentials for session %q cleared\n", name)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gatewayd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

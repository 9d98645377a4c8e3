// Command chatwire runs the chat server. It takes the listening TCP port as
// its single argument; everything else is configured through flags, CHATWIRE_*
// environment variables, or an optional config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kavrish/chatwire/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "chatwire <port>",
		Short: "Multi-room TCP chat server with relayed file transfers",
		Long: `chatwire is a multi-room, multi-user chat server over TCP.

Clients register a unique username, join one room at a time, broadcast to
their room, whisper privately, and transfer files through the server to a
specific recipient under a fixed concurrent-client cap.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q: expected a number between 1 and 65535", args[0])
			}

			cfg, err := loadConfig(cmd, cfgFile)
			if err != nil {
				return err
			}
			cfg.ListenAddr = fmt.Sprintf(":%d", port)
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatwire.yaml)")
	cmd.Flags().String("admin-addr", "", "address of the admin HTTP listener (health, metrics, ws gateway); empty disables it")
	cmd.Flags().StringSlice("allowed-origins", []string{"http://localhost:8080"}, "origins allowed to use the WebSocket gateway")
	cmd.Flags().String("log-file", "server.log", "append-only event log path; empty logs to stderr only")
	cmd.Flags().Int("max-clients", 15, "maximum simultaneous client sessions")
	cmd.Flags().Int("max-room-members", 15, "maximum members per room")
	cmd.Flags().Int("max-transfers", 5, "maximum simultaneous file relays")
	cmd.Flags().Int("max-file-queue", 5, "maximum queued file transfer requests")
	cmd.Flags().Int64("max-file-size", 3*1024*1024, "maximum file size in bytes")
	cmd.Flags().Int("rate-limit-burst", 0, "commands allowed per rate-limit interval; 0 disables limiting")
	cmd.Flags().Duration("rate-limit-interval", time.Second, "rate limiter refill interval")

	return cmd
}

// loadConfig layers defaults, the optional config file, CHATWIRE_* env vars,
// and command line flags, strongest last.
func loadConfig(cmd *cobra.Command, cfgFile string) (*server.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
			v.SetConfigType("yaml")
			v.SetConfigName(".chatwire")
		}
	}
	v.SetEnvPrefix("CHATWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"admin-addr", "allowed-origins", "log-file", "max-clients",
		"max-room-members", "max-transfers", "max-file-queue",
		"max-file-size", "rate-limit-burst", "rate-limit-interval",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := server.NewConfig()
	cfg.AdminAddr = v.GetString("admin-addr")
	cfg.AllowedOrigins = v.GetStringSlice("allowed-origins")
	cfg.LogFile = v.GetString("log-file")
	cfg.MaxClients = v.GetInt("max-clients")
	cfg.MaxRoomMembers = v.GetInt("max-room-members")
	cfg.MaxTransfers = v.GetInt("max-transfers")
	cfg.MaxFileQueue = v.GetInt("max-file-queue")
	cfg.MaxFileSize = v.GetInt64("max-file-size")
	cfg.RateLimit.Burst = v.GetInt("rate-limit-burst")
	cfg.RateLimit.RefillInterval = v.GetDuration("rate-limit-interval")
	return cfg, nil
}

func run(cfg *server.Config) error {
	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("failed to bind: %w", err)
	}
	fmt.Printf("Server listening on %s...\n", srv.Addr())

	var admin *http.Server
	if cfg.AdminAddr != "" {
		admin = server.NewAdminServer(cfg.AdminAddr, srv)
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Admin listener error: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		fmt.Println("\nServer shutting down...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(cfg.ShutdownTimeout)
}

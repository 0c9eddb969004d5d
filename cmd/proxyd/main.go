// Command proxyd is the launcher: a cobra CLI whose "serve" subcommand
// loads configuration, wires the full composition root and runs the HTTP
// server until an interrupt asks it to shut down gracefully. Grounded on
// the teacher pack's cobra launcher idiom (cmd/root.go: a root command
// with a persistent --config flag and subcommands), generalised from a
// gateway-of-agents CLI to a single "serve" entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymesh/llmproxy/internal/app"
	"github.com/relaymesh/llmproxy/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "proxyd",
	Short: "llmproxy — an intercepting LLM backend proxy",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file overlay (default: $LLMPROXY_CONFIG or none)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// version is set at build time via -ldflags.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("proxyd " + version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// runServe builds the full dependency graph and runs the server until an
// interrupt, returning a non-nil error for any fatal configuration problem
// — the contract spec §6 assigns a non-zero process exit to, checked
// before the server ever starts accepting connections.
func runServe() error {
	yamlPath := configFile
	if yamlPath == "" {
		yamlPath = os.Getenv("LLMPROXY_CONFIG")
	}

	cfg, err := config.Load(yamlPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	services, err := app.NewServices(cfg)
	if err != nil {
		return fmt.Errorf("starting services: %w", err)
	}

	services.Sessions.StartSweeper(time.Minute)
	defer services.Sessions.Stop()

	var credentialDirs []string
	for _, bc := range cfg.Backends {
		if bc.CredentialPath != "" {
			credentialDirs = append(credentialDirs, filepath.Dir(bc.CredentialPath))
		}
	}
	watcher, err := config.Watch(yamlPath, credentialDirs, func(newCfg *config.Config, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "config reload failed, keeping previous config: %v\n", err)
			return
		}
		if verr := newCfg.Validate(); verr != nil {
			fmt.Fprintf(os.Stderr, "config reload produced an invalid config, keeping previous config: %v\n", verr)
			return
		}
		fmt.Println("config reloaded")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config hot-reload watcher not started: %v\n", err)
	} else {
		defer watcher.Close()
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewRouter(services),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("llmproxy listening on %s (default backend %q)\n", cfg.ListenAddr, cfg.DefaultBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

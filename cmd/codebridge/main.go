// Command codebridge hosts the bridge core behind a stdio MCP server: a
// thin tool-call façade over the Protocol Engine, Session Manager,
// Diagnostic Store, Symbol Services, and Workspace Edit Applier.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/codebridge-dev/codebridge/internal/bridge"
	"github.com/codebridge-dev/codebridge/internal/config"
)

var (
	configPath string
	debug      bool
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr) // stdout is reserved for the MCP transport

	root := &cobra.Command{
		Use:   "codebridge",
		Short: "MCP bridge to one or more LSP-speaking language servers",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the server descriptor file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	root.AddCommand(newServeCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadBridge(log *logrus.Logger) (*bridge.Bridge, error) {
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return bridge.New(cfg, log.WithField("component", "bridge"))
}

func newServeCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the MCP tool-call server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBridge(log)
			if err != nil {
				return err
			}
			return runServer(b, log)
		},
	}
}

// runServer starts the watcher, registers every tool, and serves until a
// termination signal or parent-process death is observed.
func runServer(b *bridge.Bridge, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx)

	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go watchParent(done)

	go func() {
		select {
		case sig := <-sigChan:
			log.WithField("signal", sig).Info("codebridge: shutting down")
		case <-done:
			log.Info("codebridge: parent process gone, shutting down")
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		b.Shutdown(shutdownCtx)
		cancel()
		os.Exit(0)
	}()

	return serveTools(b, log)
}

// watchParent closes done when this process's parent exits, since some MCP
// hosts do not reliably kill child processes on their own shutdown.
func watchParent(done chan struct{}) {
	ppid := os.Getppid()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		current := os.Getppid()
		if current != ppid && (current == 1 || ppid == 1) {
			close(done)
			return
		}
	}
}

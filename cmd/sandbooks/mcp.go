package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/gateway/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the terminal tools over MCP stdio",
	Long: `Serve the terminal tools to a single MCP client over stdin/stdout.
Logs go to stderr so that stdout carries protocol frames only.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	stopManager := sc.Manager.Start(context.Background())
	defer stopManager()

	logger.Info("serving mcp over stdio", slog.String("version", version))
	return mcpserver.New(sc.Manager, cfg.Gateways.MCP, version, logger).ServeStdio()
}

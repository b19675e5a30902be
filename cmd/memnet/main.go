// Command memnet runs a peer-to-peer persistent-memory substrate node.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"memnet/internal/config"
	"memnet/internal/identity"
	"memnet/internal/orchestrator"
)

func main() {
	rootCmd := &cobra.Command{Use: "memnet"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(idCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(args []string) (*config.Config, error) {
	path := "memnet.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	return config.Load(path, "")
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config]",
		Short: "start a memnet node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			logger := logrus.StandardLogger()
			if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				logger.SetLevel(lvl)
			}

			node, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			logger.WithField("node_id", node.NodeID()).Info("memnet: starting node")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runErr := node.Run(ctx)
			if err := node.Shutdown(); err != nil {
				logger.WithError(err).Warn("memnet: shutdown error")
			}
			return runErr
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [config]",
		Short: "print this node's identity and current peer counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			node, err := orchestrator.New(cfg, logrus.StandardLogger())
			if err != nil {
				return err
			}
			defer node.Shutdown()

			cold, warm, hot, banned := node.Governor().Counts()
			out := struct {
				NodeID string `json:"node_id"`
				Cold   int    `json:"cold"`
				Warm   int    `json:"warm"`
				Hot    int    `json:"hot"`
				Banned int    `json:"banned"`
			}{node.NodeID(), cold, warm, hot, banned}
			return json.NewEncoder(os.Stdout).Encode(out)
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers [config]",
		Short: "list known peers and their governor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			node, err := orchestrator.New(cfg, logrus.StandardLogger())
			if err != nil {
				return err
			}
			defer node.Shutdown()

			return json.NewEncoder(os.Stdout).Encode(node.Governor().Peers())
		},
	}
}

func idCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id [config]",
		Short: "print or generate this node's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			id, err := identity.Load(cfg.Identity.KeyFile, logrus.StandardLogger())
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", id.NodeID.String(), hex.EncodeToString(id.Public))
			return nil
		},
	}
	return cmd
}

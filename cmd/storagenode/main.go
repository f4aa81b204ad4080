// Command storagenode runs the durable chunk engine: an append-only
// superblock store behind the chunk HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/storagenode"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storagenode",
		Short: "Storage node chunk engine",
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("data-dir", "", "directory for superblocks and the chunk index")
	cmd.PersistentFlags().String("node-id", "", "this node's identifier")
	cmd.PersistentFlags().String("listen-addr", "", "HTTP listen address")
	_ = viper.BindPFlag("data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("node_id", cmd.PersistentFlags().Lookup("node-id"))
	_ = viper.BindPFlag("listen_addr", cmd.PersistentFlags().Lookup("listen-addr"))
	viper.SetEnvPrefix("VSTACK_STORAGENODE")
	viper.AutomaticEnv()

	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start serving chunk traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
				viper.SetConfigFile(cfgFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config: %w", err)
				}
			}
			return runStorageNode()
		},
	}
}

func runStorageNode() error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := storagenode.DefaultConfig()
	if v := viper.GetString("data_dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("node_id"); v != "" {
		cfg.NodeID = v
	}
	if v := viper.GetString("listen_addr"); v != "" {
		cfg.ListenAddr = v
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "storagenode-" + os.Getenv("HOSTNAME")
	}

	store := storagenode.New(cfg, log)
	if err := store.Initialize(); err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: storagenode.NewServer(store, log),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("storage node listening", zap.String("addr", cfg.ListenAddr), zap.String("node_id", cfg.NodeID))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
		}
		store.Shutdown()
	}
	return nil
}

// Command coordinator runs the control plane: catalog, node registry,
// placement commit protocol, and redundancy policy.
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

	"github.com/prakhar479/VStack/pkg/coordinator"
	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Stream catalog, placement, and redundancy control plane",
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("db-path", "", "path to the sqlite catalog file")
	cmd.PersistentFlags().String("listen-addr", "", "HTTP listen address")
	_ = viper.BindPFlag("db_path", cmd.PersistentFlags().Lookup("db-path"))
	_ = viper.BindPFlag("listen_addr", cmd.PersistentFlags().Lookup("listen-addr"))
	viper.SetEnvPrefix("VSTACK_COORDINATOR")
	viper.AutomaticEnv()

	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start serving coordinator traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
				viper.SetConfigFile(cfgFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config: %w", err)
				}
			}
			return runCoordinator()
		},
	}
}

func runCoordinator() error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dbPath := viper.GetString("db_path")
	if dbPath == "" {
		dbPath = "./coordinator.db"
	}
	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8090"
	}

	db, err := catalog.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer func() { _ = db.Close() }()

	c := coordinator.New(db, coordinator.DefaultConfig(), log)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: coordinator.NewServer(c, log),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", zap.String("addr", listenAddr))
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
	}
	return nil
}

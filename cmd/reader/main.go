// Command reader is the adaptive streaming client: it fetches a
// stream's manifest from the coordinator, drives a playout session,
// and writes played chunks out in order, a CLI stand-in for a video
// player.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/reader"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reader",
		Short: "Adaptive stream reader",
	}
	cmd.PersistentFlags().String("coordinator-url", "http://localhost:8090", "coordinator base URL")
	cmd.PersistentFlags().Int("max-concurrent", 4, "maximum parallel chunk downloads")
	_ = viper.BindPFlag("coordinator_url", cmd.PersistentFlags().Lookup("coordinator-url"))
	_ = viper.BindPFlag("max_concurrent", cmd.PersistentFlags().Lookup("max-concurrent"))
	viper.SetEnvPrefix("VSTACK_READER")
	viper.AutomaticEnv()

	cmd.AddCommand(newPlayCmd())
	return cmd
}

func newPlayCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "play [stream-id]",
		Short: "Play a stream out to stdout or a file, in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(args[0], output)
		},
	}
	cmd.Flags().StringVar(&output, "output", "-", "output path, or - for stdout")
	return cmd
}

func runPlay(streamID, output string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := reader.DefaultSessionConfig()
	cfg.CoordinatorURL = viper.GetString("coordinator_url")
	cfg.MaxConcurrent = viper.GetInt("max_concurrent")

	manifestClient := reader.NewManifestClient(cfg.CoordinatorURL, 5*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifest, err := manifestClient.Fetch(ctx, streamID)
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	chunkDurationSec := 0.0
	if manifest.TotalChunks > 0 {
		chunkDurationSec = 10 // default segment duration when the manifest doesn't carry one explicitly
	}
	bufCfg := reader.DefaultBufferConfig(chunkDurationSec)

	session := reader.NewSession(cfg, manifest, bufCfg, log)
	session.Start(ctx)
	defer session.Stop()

	var out io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, ok := session.NextForPlayback()
		if !ok {
			if session.Status().State == reader.Finished {
				return nil
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
}

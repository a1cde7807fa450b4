package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ocilayer/forge/pkg/assembler"
	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/common"
	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/metrics"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Build OCI image layouts from a declarative manifest",
	}

	rootCmd.AddCommand(newBuildCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("forge failed")
		os.Exit(1)
	}
}

type buildOptions struct {
	Workers int
	Output  string
	Verbose bool
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build one or more OCI images from a manifest document read on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "j", runtime.NumCPU(), "worker concurrency")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", ".", "output OCI image layout directory")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug-level logging")

	return cmd
}

func runBuild(opts *buildOptions) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if opts.Verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
	log.Logger = logger

	doc, err := config.Load(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	cfg := config.Defaults()
	cfg.Logger = logger
	cfg.OutputDir = opts.Output
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}

	if epoch, set, err := common.SourceDateEpoch(); err != nil {
		return err
	} else if set {
		cfg.SourceDateEpoch, cfg.SourceDateEpochSet = epoch, true
	}

	if err := doc.ApplyTo(&cfg); err != nil {
		return fmt.Errorf("applying manifest config: %w", err)
	}

	store, err := blobstore.Open(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("opening output layout %s: %w", cfg.OutputDir, err)
	}
	defer store.Close()
	store.SetDryRun(cfg.DryRun)

	manifests, err := assembler.BuildAll(store, doc, cfg)
	if err != nil {
		return fmt.Errorf("building images: %w", err)
	}

	if err := assembler.WriteIndex(cfg.OutputDir, manifests, doc.Annotations, cfg.DryRun); err != nil {
		return fmt.Errorf("writing top-level index: %w", err)
	}

	if cfg.MirrorBucket != "" && !cfg.DryRun {
		if err := assembler.MirrorToS3(context.Background(), cfg.OutputDir, cfg.MirrorBucket); err != nil {
			return fmt.Errorf("mirroring to s3://%s: %w", cfg.MirrorBucket, err)
		}
	}

	metrics.Global.LogSummary()
	return nil
}

// Package cli implements the chunkupload command line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd creates the chunkupload root command.
func NewRootCmd(envRepo env.Repository, logger log.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chunkupload",
		Short:         "Resumable chunked file uploads",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newUploadCmd(envRepo, logger, os.Stderr))
	return rootCmd
}

func newUploadCmd(envRepo env.Repository, logger log.Logger, progressOut io.Writer) *cobra.Command {
	var flagValues Config

	cmd := &cobra.Command{
		Use:   "upload [flags] PATH...",
		Short: "Upload files in chunks",
		Long: `Upload files in chunks, retrying failed chunks with exponential backoff.

Paths may contain glob patterns (**/*.zip). Every file is uploaded in its own
session, one file after the other. Interrupting an upload (Ctrl+C) saves its
progress next to the file, run the same command with --resume to continue.

Targets:
  http   presigned URLs listed in a JSON manifest (<file>.manifest.json)
  s3     S3 multipart upload
  azure  Azure block blob, CHUNKUPLOAD_AZURE_CONTAINER_SAS_URL is required

Every flag can also be set with its CHUNKUPLOAD_* environment variable.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, envRepo, flagValues)
			if err != nil {
				return err
			}
			logger.EnableDebugLog(cfg.Verbose)
			logger.Printf("%s", stepconf.String(cfg))
			logger.Println()

			files, err := evaluatePaths(args, logger)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to upload")
			}

			tracker := analytics.NewDefaultUploadTracker(envRepo, logger)
			defer tracker.Wait()

			return newUploader(cfg, logger, tracker, progressOut).uploadAll(cmd.Context(), files)
		},
	}
	registerFlags(cmd, &flagValues)
	return cmd
}

// loadConfig reads the environment, then applies the flags set on the command line.
func loadConfig(cmd *cobra.Command, envRepo env.Repository, flagValues Config) (Config, error) {
	var cfg Config
	if err := stepconf.NewInputParser(envRepo).Parse(&cfg); err != nil {
		return Config{}, err
	}
	applyFlags(cmd, flagValues, &cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Execute runs the command line interface until it finishes or is interrupted.
// The first interrupt pauses the running upload and saves its resume state.
func Execute() int {
	logger := log.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warnf("Received %s, pausing upload...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := NewRootCmd(env.NewRepository(), logger).ExecuteContext(ctx); err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	return 0
}

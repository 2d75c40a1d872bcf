package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	blobupload "github.com/Azure/azblob-resumable-upload"
)

func main() {
	configPathFl := flag.String("config", os.Getenv("AZBLOB_UPLOAD_CONFIG"), "Path to the JSON config file. Default: [AZBLOB_UPLOAD_CONFIG]")
	debugFl := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	if *debugFl {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *configPathFl == "" {
		fmt.Fprintln(os.Stderr, "--config must be set")
		os.Exit(1)
	}

	cfg, err := blobupload.LoadConfig(*configPathFl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var transferErr *blobupload.TransferError
		if errors.As(err, &transferErr) {
			fmt.Fprintln(os.Stderr, "restart state saved; run again to resume from", blobupload.RestartPath(cfg.SourceFile))
		}
		os.Exit(2)
	}
}

func run(cfg blobupload.Config) error {
	store, err := blobupload.NewBlockStore(cfg)
	if err != nil {
		return err
	}

	uploader := blobupload.NewUploader(store, blobupload.NewRestartStore(), blobupload.UploaderConfig{
		BlockSize:   cfg.BlockSize(),
		Concurrency: cfg.Concurrency,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return uploader.Upload(ctx, cfg.SourceFile)
}

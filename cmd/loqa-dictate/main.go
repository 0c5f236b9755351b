package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-mail/internal/config"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		emailPath   string
		opts        options
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&opts.interview, "interview", false, "Run the guided interview instead of plain dictation")
	flag.StringVar(&emailPath, "email", "", "Existing email to improve (interview mode)")
	flag.StringVar(&opts.to, "to", "", "Recipient address for the mailto link")
	flag.StringVar(&opts.tone, "tone", "", "Email tone")
	flag.StringVar(&opts.style, "style", "", "Writing style")
	flag.StringVar(&opts.length, "length", "", "Email length (condense, default, extend)")
	flag.StringVar(&opts.recipient, "recipient", "", "Who the email is for, as context for the writer")
	flag.BoolVar(&opts.copy, "copy", false, "Copy the finished email to the clipboard")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	if emailPath != "" {
		data, err := os.ReadFile(emailPath)
		if err != nil {
			logger.Error("failed to read existing email", slog.String("error", err.Error()))
			os.Exit(1)
		}
		opts.existingEmail = string(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, opts, os.Stdout, logger)
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx, os.Stdin); err != nil {
		logger.Error("dictation ended with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Package main is the entrypoint for the payload-sentinel gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vivars7/payload-sentinel/internal/config"
	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/message"
	"github.com/vivars7/payload-sentinel/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// startable is satisfied by *server.Server.
type startable interface {
	Start(ctx context.Context) error
}

// serverFactory creates a startable server from config. Tests inject
// failing factories.
type serverFactory func(*config.Config, string) (startable, error)

func defaultServerFactory(cfg *config.Config, version string) (startable, error) {
	return server.New(cfg, version)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("payload-sentinel", flag.ContinueOnError)
	configPath := fs.String("config", "payload-sentinel.yaml", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage()
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("payload-sentinel %s\n", Version)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	subcmd := "serve"
	remaining := fs.Args()
	if len(remaining) > 0 {
		subcmd = remaining[0]
		remaining = remaining[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(*configPath, defaultServerFactory)
	case "validate":
		return cmdValidate(*configPath)
	case "init":
		return cmdInit(remaining)
	case "measure":
		return cmdMeasure(remaining, os.Stdin, os.Stdout)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `payload-sentinel %s: payload size inspecting gateway

Usage:
  payload-sentinel [flags] <command>

Commands:
  serve      Start the gateway server (default)
  validate   Validate configuration file
  init       Generate a new payload-sentinel.yaml
  measure    Measure a payload file (or stdin) against a size limit
  help       Show this help message

Flags:
  --config string   Path to configuration file (default "payload-sentinel.yaml")
  --version         Print version and exit

Examples:
  payload-sentinel serve --config payload-sentinel.yaml
  payload-sentinel validate --config payload-sentinel.yaml
  payload-sentinel init --profile prod
  payload-sentinel measure --limit 5 body.json
`, Version)
}

// cmdServe starts the gateway with config reload and graceful shutdown.
func cmdServe(configPath string, newServer serverFactory) int {
	logger := slog.Default()
	logger.Info("starting payload-sentinel",
		"version", Version,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 1
	}

	srv, err := newServer(cfg, Version)
	if err != nil {
		logger.Error("server initialization error", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Reload.Enabled {
		reloader := config.NewConfigReloader(configPath, cfg, logger)
		if sub, ok := srv.(config.Reloadable); ok {
			reloader.Register(sub)
		}
		if s, ok := srv.(*server.Server); ok {
			reloader.SetRecorder(s.Metrics())
		}
		if err := reloader.Start(ctx); err != nil {
			logger.Error("config reloader error", "error", err)
			return 1
		}
		defer reloader.Stop()
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}

	return 0
}

// cmdValidate loads and validates the configuration file.
func cmdValidate(configPath string) int {
	slog.Default().Info("validating configuration", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("config valid: %d api(s), default limit %s MB\n", len(cfg.APIs), cfg.Payload.SizeLimit)
	return 0
}

// cmdInit generates a new payload-sentinel.yaml with the specified profile.
func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	profile := fs.String("profile", "dev", "configuration profile (dev or prod)")
	output := fs.String("output", "payload-sentinel.yaml", "output file path")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var profileYAML string
	switch *profile {
	case "dev":
		profileYAML = config.DevProfile()
	case "prod":
		profileYAML = config.ProdProfile()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown profile %q (use dev or prod)\n", *profile)
		return 1
	}

	if err := os.WriteFile(*output, []byte(profileYAML), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *output, err)
		return 1
	}

	fmt.Printf("Generated %s with profile %q\n", *output, *profile)
	return 0
}

// measureResult is printed by the measure subcommand.
type measureResult struct {
	SizeMB   float64 `json:"size_mb"`
	LimitMB  int     `json:"limit_mb"`
	Oversize bool    `json:"oversize"`
}

// cmdMeasure runs one inspector over a file or stdin, the same way the
// gateway measures a body that arrives without Content-Length.
func cmdMeasure(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("measure", flag.ContinueOnError)
	limit := fs.String("limit", config.DefaultSizeLimit, "size limit in megabytes")
	contentType := fs.String("content-type", "application/octet-stream", "content type of the payload")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	insp, err := inspector.New(inspector.Config{
		SizeLimit:     *limit,
		APIName:       "cli",
		FlowDirection: inspector.FlowInbound,
	}, inspector.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	body := stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer f.Close()
		body = f
	}

	header := http.Header{}
	header.Set("Content-Type", *contentType)
	mc := message.FromHTTP(header, -1, body)
	insp.Mediate(context.Background(), mc)

	if fault, ok := mc.Fault(); ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", fault)
		return 1
	}

	sizeMB, _ := mc.PayloadSizeMB()
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(measureResult{
		SizeMB:   sizeMB,
		LimitMB:  insp.LimitMB(),
		Oversize: mc.PayloadTooLarge(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if mc.PayloadTooLarge() {
		return 2
	}
	return 0
}

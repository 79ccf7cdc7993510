// ABOUTME: Entry point for the smbctl shared-folder controller
// ABOUTME: serve runs the interactive controller, agents prints one liveness table, init writes a config

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/2389/smbctl/internal/config"
	"github.com/2389/smbctl/internal/controller"
)

// version is overridden with -ldflags "-X main.version=..." at build time.
var version = "dev"

const banner = `
                _          _   _
  ___ _ __ ___ | |__   ___| |_| |
 / __| '_ ' _ \| '_ \ / __| __| |
 \__ \ | | | | | |_) | (__| |_| |
 |___/_| |_| |_|_.__/ \___|\__|_|
`

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: smbctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve [SHARE_PATH]     Watch the share and start the interactive shell")
	fmt.Fprintln(w, "  agents [SHARE_PATH]    Print registered agents with their liveness")
	fmt.Fprintln(w, "  init                   Create a new config file interactively")
	fmt.Fprintln(w, "  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "version", "--version", "-v":
		fmt.Printf("smbctl %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by serve and agents.
type commonFlags struct {
	set       *flag.FlagSet
	config    *string
	noHistory *bool
}

func newCommonFlags(name string) commonFlags {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	return commonFlags{
		set:       set,
		config:    set.StringP("config", "c", "", "Use specified config `file`"),
		noHistory: set.Bool("no-history", false, "Do not store command outputs in a per-agent history file"),
	}
}

// loadConfig resolves and loads the config file, then applies the
// positional share path and flag overrides.
func loadConfig(f commonFlags) (*config.Config, string, error) {
	path := config.ResolvePath(*f.config)

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("loading config: %w", err)
		}
	}

	if args := f.set.Args(); len(args) > 0 {
		cfg.Share.Root = args[0]
	}
	if *f.noHistory {
		cfg.Share.NoHistory = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("validating config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	f := newCommonFlags("serve")
	if err := f.set.Parse(args); err != nil {
		return err
	}

	cfg, configPath, err := loadConfig(f)
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if configPath != "" {
		green.Print("    ▶ ")
		fmt.Printf("Config:    %s\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("Share:     %s\n", cfg.Share.Root)
	green.Print("    ▶ ")
	fmt.Printf("Plugins:   %s\n", cfg.Plugins.CatalogDir)
	if cfg.Share.NoHistory {
		yellow.Println("    ▶ History: disabled")
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting smbctl",
		"share", cfg.Share.Root,
		"no_history", cfg.Share.NoHistory,
		"poll_interval", cfg.Watcher.PollInterval,
	)

	c, err := controller.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	return c.Run(ctx, os.Stdin, os.Stdout)
}

func runAgents(ctx context.Context, args []string) error {
	f := newCommonFlags("agents")
	active := f.set.IntP("active", "a", 0, "Only agents that pinged within `SECS`")
	if err := f.set.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}, os.Stderr)

	c, err := controller.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	defer c.Shutdown(context.Background())

	line := "agents"
	if *active > 0 {
		line = fmt.Sprintf("agents --active=%d", *active)
	}
	return c.Shell(nil, os.Stdout).Execute(ctx, line)
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "smbctl configuration setup")
	fmt.Fprintln(out, "==========================")
	fmt.Fprintln(out)

	defaultConfigPath := config.ResolvePath("")
	if defaultConfigPath == "" {
		defaultConfigPath = defaultXDGPath()
	}

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Share ---")
	root := prompt(reader, out, "Shared folder path", "")
	if root == "" {
		return errors.New("shared folder path is required")
	}
	noHistory := isYes(prompt(reader, out, "Disable response history?", "no"))
	catalog := prompt(reader, out, "Plugin catalog directory", "plugins")

	fmt.Fprintln(out, "\n--- Ledger ---")
	dbPath := prompt(reader, out, "SQLite ledger path (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Logging ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	fmt.Fprintln(out, "\n--- Metrics ---")
	metricsEnabled := isYes(prompt(reader, out, "Enable metrics endpoint?", "no"))
	metricsAddr := "localhost:9464"
	if metricsEnabled {
		metricsAddr = prompt(reader, out, "Metrics address", metricsAddr)
	}

	var cfg strings.Builder
	cfg.WriteString("# smbctl configuration\n")
	cfg.WriteString("# Generated by smbctl init\n\n")

	cfg.WriteString("share:\n")
	cfg.WriteString(fmt.Sprintf("  root: %q\n", root))
	cfg.WriteString(fmt.Sprintf("  no_history: %t\n", noHistory))
	cfg.WriteString("\n")

	cfg.WriteString("liveness:\n")
	cfg.WriteString("  timeout: \"20s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("plugins:\n")
	cfg.WriteString(fmt.Sprintf("  catalog_dir: %q\n", catalog))
	cfg.WriteString("\n")

	cfg.WriteString("watcher:\n")
	cfg.WriteString("  poll_interval: \"0s\"\n")
	cfg.WriteString("  dedupe_window: \"2s\"\n")
	cfg.WriteString("  settle_delay: \"100ms\"\n")
	cfg.WriteString("  settle_attempts: 5\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", metricsEnabled))
	cfg.WriteString(fmt.Sprintf("  addr: %q\n", metricsAddr))
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the controller:")
	if outputFile == defaultXDGPath() {
		fmt.Fprintln(out, "  smbctl serve")
	} else {
		fmt.Fprintf(out, "  smbctl serve --config %s\n", outputFile)
	}
	return nil
}

// defaultXDGPath is where init writes when no config exists yet.
func defaultXDGPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "smbctl", "config.yaml")
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// setupLogger builds the process logger writing to w.
func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = newColorHandler(w, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/l1jgo/netplay/internal/config"
	"github.com/l1jgo/netplay/internal/prediction"
	"github.com/l1jgo/netplay/internal/scripting"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version information set at build time.
var version = "dev"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "netplay",
		Short: "Multiplayer networking server and test client",
		Long: `netplay runs an authoritative arena server with lobbies, sessions
and lag-compensated hit checks, plus a headless bot client for
exercising it under simulated network conditions.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "TOML config file (default $"+config.EnvPath+")")

	rootCmd.AddCommand(
		serveCmd(&cfgPath),
		botCmd(&cfgPath),
		migrateCmd(&cfgPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger every command shares.
func setup(cfgPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

// movement returns the configured move function: a Lua script when one is
// set, the built-in linear movement otherwise. The returned func releases
// the script engine.
func movement(cfg config.PredictionConfig, log *zap.Logger) (prediction.MoveFunc, func(), error) {
	if cfg.Script == "" {
		return prediction.LinearMove(cfg.Speed), func() {}, nil
	}
	engine, err := scripting.NewEngine(cfg.Script, log)
	if err != nil {
		return nil, nil, fmt.Errorf("load movement script: %w", err)
	}
	move, err := engine.MoveFunc(cfg.ScriptFunction)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	return move, engine.Close, nil
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Printf("\033[36;1m  │\033[0m  %-41s\033[36;1m│\033[0m\n", "netplay "+version)
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mServer:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, value any) {
	v := fmt.Sprint(value)
	dotsLen := 42 - len(label) - len(v)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), v)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printWarn(msg string) {
	fmt.Printf("  \033[33m⚠\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

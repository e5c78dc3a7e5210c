// Program dbus-mqtt-bridge forwards D-Bus signals to MQTT topics and
// dispatches MQTT messages as D-Bus method calls, driven by a
// declarative mapping table.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	bridge "github.com/danderson/dbus-mqtt-bridge"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Config  string `flag:"config,Path to the configuration file"`
	Verbose bool   `flag:"verbose,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name:     "dbus-mqtt-bridge",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "run [config-file]",
				Help: `Run the bridge.

Loads and validates the configuration, connects to the configured
message bus and MQTT broker, and bridges until interrupted.

Without a config-file argument or --config, the configuration is
searched for in:
` + "  " + strings.Join(bridge.DefaultConfigPaths(), "\n  "),
				Run: runBridge,
			},
			{
				Name:  "check",
				Usage: "check [config-file]",
				Help:  "Validate a configuration file and print the parsed result.",
				Run:   runCheck,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func loadConfig(env *command.Env) (*bridge.Config, string, error) {
	explicit := globalArgs.Config
	if len(env.Args) > 0 {
		explicit = env.Args[0]
	}
	path, err := bridge.FindConfigFile(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := bridge.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid configuration %s:\n%w", path, err)
	}
	return cfg, path, nil
}

func runBridge(env *command.Env) error {
	level := slog.LevelInfo
	if globalArgs.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, path, err := loadConfig(env)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "path", path,
		"signal_mappings", len(cfg.Mappings.DBusToMQTT),
		"command_mappings", len(cfg.Mappings.MQTTToDBus))

	b, err := bridge.New(cfg)
	if err != nil {
		return err
	}
	b.Logger = logger
	if err := b.Start(env.Context()); err != nil {
		b.Stop()
		return err
	}
	logger.Info("bridge running")

	<-env.Context().Done()
	logger.Info("shutting down")
	b.Stop()
	return nil
}

func runCheck(env *command.Env) error {
	cfg, path, err := loadConfig(env)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid:\n%# v\n", path, pretty.Formatter(cfg))
	return nil
}

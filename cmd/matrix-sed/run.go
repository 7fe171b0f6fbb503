// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/matrix-sed/pkg/sedbot"
)

type runFlags struct {
	configPath string
	envFile    string

	homeserver         string
	username           string
	password           string
	sessionFile        string
	dataDir            string
	deleteOtherDevices bool
	metricsAddr        string
	logLevel           string
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "matrix-sed",
		Short: "Matrix bot that applies sed-style corrections to chat messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &flags)
		},
		SilenceUsage: true,
	}
	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&flags.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	f.StringVar(&flags.homeserver, "server", "", "homeserver URL")
	f.StringVarP(&flags.username, "username", "u", "", "bot account localpart or user ID")
	f.StringVar(&flags.password, "password", "", "bot account password (prompted when empty)")
	f.StringVar(&flags.sessionFile, "session-file", "", "where the session is stored")
	f.StringVar(&flags.dataDir, "data-dir", "", "parent directory of the local state store")
	f.BoolVar(&flags.deleteOtherDevices, "delete-other-devices", false, "log out every other device of the bot account at startup")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "listen address for /metrics and /health")
	f.StringVar(&flags.logLevel, "log-level", "", "trace, debug, info, warn or error")
	return cmd
}

func exampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an example config file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), sedbot.ExampleConfig)
		},
	}
}

func loadConfig(cmd *cobra.Command, flags *runFlags) (*sedbot.Config, error) {
	if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", flags.envFile, err)
	}
	cfg, err := sedbot.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.Homeserver = flags.homeserver
	}
	if changed("username") {
		cfg.Username = flags.username
	}
	if changed("password") {
		cfg.Password = flags.password
	}
	if changed("session-file") {
		cfg.SessionFile = flags.sessionFile
	}
	if changed("data-dir") {
		cfg.DataDir = flags.dataDir
	}
	if changed("delete-other-devices") {
		cfg.DeleteOtherDevices = flags.deleteOtherDevices
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	cfg.PostProcess()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, flags *runFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting matrix-sed")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := sedbot.NewMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := sedbot.ServeMetrics(ctx, cfg.MetricsAddr, metrics, log); err != nil {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	prompt := terminalPrompt(cfg.Username)
	conn, err := sedbot.ObtainConnection(ctx, cfg, prompt, log)
	if err != nil {
		return describeStartupError(cfg, err)
	}
	defer conn.Close()
	log.Info().
		Str("user_id", conn.Client.UserID.String()).
		Str("device_id", conn.Client.DeviceID.String()).
		Bool("restored", conn.Restored).
		Msg("Connected to homeserver")

	bot := sedbot.NewBot(cfg, conn, metrics, prompt, log)
	err = bot.Run(ctx)
	log.Info().Msg("Waiting for running handlers")
	bot.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Shutting down")
		return nil
	}
	if errors.Is(err, sedbot.ErrAuthExpired) {
		return describeStartupError(cfg, err)
	}
	return err
}

// describeStartupError adds operator guidance to session errors.
func describeStartupError(cfg *sedbot.Config, err error) error {
	switch {
	case errors.Is(err, sedbot.ErrAuthExpired):
		return fmt.Errorf("%w\nthe access token is no longer valid; delete %s to log in again", err, cfg.SessionFile)
	case errors.Is(err, sedbot.ErrSessionCorrupt):
		return fmt.Errorf("%w\nfix or delete %s to log in again", err, cfg.SessionFile)
	default:
		return err
	}
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var log zerolog.Logger
	if isTerminal(os.Stderr) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

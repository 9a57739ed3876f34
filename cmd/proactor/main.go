package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proactor"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFilePath string
	logLevel       string
	config         *proactor.Config
)

func main() {
	command := &cobra.Command{
		Use:               "proactor",
		Short:             "echo server and client on top of the epoll proactor",
		PersistentPreRunE: preRun,
		SilenceUsage:      true,
	}
	command.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to configuration file (.yaml or .toml)")
	command.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides global.log_level")
	command.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the echo server",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	command.AddCommand(&cobra.Command{
		Use:   "send [message...]",
		Short: "send messages to the echo server and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE:  send,
	})
	if err := command.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Msgf("%+v", err)
	}
}

func preRun(cmd *cobra.Command, args []string) error {
	if configFilePath == "" {
		config = proactor.DefaultConfig()
	} else {
		var err error
		config, err = proactor.LoadConfig(configFilePath)
		if err != nil {
			return err
		}
	}
	if logLevel != "" {
		config.Global.LogLevel = logLevel
	}
	return initLog(config)
}

func initLog(config *proactor.Config) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", config.Global.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	if config.Global.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if config.Server.OpenFilesLimit > 0 {
		limit, err := proactor.RaiseOpenFilesLimit(config.Server.OpenFilesLimit)
		if err != nil {
			log.Warn().Msgf("can't raise open files limit: %+v", err)
		} else {
			log.Info().Msgf("open files limit: %d", limit)
		}
	}

	p, err := proactor.NewProactor(config.Proactor)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	server, err := proactor.NewEchoServer(p, config.Server)
	if err != nil {
		p.Stop()
		return err
	}
	if err := server.Start(); err != nil {
		p.Stop()
		_ = server.Close()
		return err
	}
	log.Info().Msgf("listening on %s:%d", config.Server.Address, server.Port())
	if config.Server.StatsIntervalSec > 0 {
		go p.ReportStats(ctx, time.Duration(config.Server.StatsIntervalSec)*time.Second)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down...")
	p.Stop()
	return server.Close()
}

func send(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := proactor.NewProactor(config.Proactor)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	client, err := proactor.DialEcho(ctx, p, config.Client.Address, config.Client.Port, config.Client.Socket)
	if err != nil {
		return err
	}
	defer client.Close()
	for _, msg := range args {
		client.Enqueue([]byte(msg))
	}
	replies, err := client.Flush(ctx)
	for _, reply := range replies {
		fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	}
	return err
}

// The raidgate command runs the real-time coordination backend: it loads the
// config, connects to the database, seeds the lobby rooms, and serves the
// websocket relay until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mvalen/raidgate/internal/console"
	"github.com/mvalen/raidgate/internal/core"
	"github.com/mvalen/raidgate/internal/relay"
	"github.com/mvalen/raidgate/internal/storage"
)

func main() {
	app := &cli.App{
		Name:        "raidgate",
		Usage:       "raidgate server",
		Description: "Runs the raidgate coordination server.",
		Action:      run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"RAIDGATE_CONFIG"},
				Value:   "./",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	config := core.LoadConfig(cliCtx.String("config"))

	logger, err := core.NewLogger(config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	store, err := storage.Open(config.DatabaseURI(), config.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("error closing database: %s", err)
		}
	}()
	logger.Infof("connected to database %s:%d", config.Database.Host, config.Database.Port)

	// Shut down cleanly on Ctrl-C or SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := relay.NewServer(config, logger, store)
	if err := server.Init(ctx); err != nil {
		return err
	}

	operatorConsole := &console.Console{
		Server: server,
		Logger: logger,
		In:     os.Stdin,
		Out:    os.Stdout,
	}
	go operatorConsole.Run(ctx)

	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}

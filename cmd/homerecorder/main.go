package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/homerecorder/internal/bus"
	"codeberg.org/mutker/homerecorder/internal/config"
	"codeberg.org/mutker/homerecorder/internal/directory"
	"codeberg.org/mutker/homerecorder/internal/errors"
	"codeberg.org/mutker/homerecorder/internal/logger"
	"codeberg.org/mutker/homerecorder/internal/pid"
	"codeberg.org/mutker/homerecorder/internal/recorder"
	"codeberg.org/mutker/homerecorder/internal/service"
	"codeberg.org/mutker/homerecorder/internal/store"
)

// exitRestart tells the supervising unit to restart the service
// instead of treating the exit as a failure.
const exitRestart = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.IsDebug(), cfg.IsVerbose(), logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer pid.Remove()

	// An unopenable store degrades to store-less mode; the bus
	// connection still happens so commands keep being answered.
	st, err := store.Open(cfg.Database.File)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store, running without persistence")
		st = nil
	} else {
		defer st.Close()
		logger.Info().
			Str("path", cfg.Database.File).
			Int("days", cfg.Database.Days).
			Msg("Store opened")
	}

	rec, err := recorder.New(st, cfg.Database.Days, cfg.Database.Debug)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize recorder")
	}

	dir := directory.New()

	client := bus.NewClient(cfg.MQTT, service.StatusTopic(cfg))
	controller := service.NewController(cfg, client, rec, dir)
	client.SetHandler(controller)

	if err := client.Connect(); err != nil {
		logger.Error().Err(err).Msg("failed to connect to message bus")
	}
	defer client.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	err = controller.Run(ctx)
	if err == nil {
		logger.Info().Msg("Exiting...")
		return
	}

	var appErr errors.Error
	if errors.As(err, &appErr) && appErr.Code() == service.ErrRestart {
		logger.Info().Msg("Exiting for restart...")
		pid.Remove()
		if st != nil {
			st.Close()
		}
		client.Disconnect()
		os.Exit(exitRestart)
	}

	logger.Error().Err(err).Msg("error in main loop")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

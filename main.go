package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"homeautomation-gateway/internal/calibration"
	"homeautomation-gateway/internal/config"
	"homeautomation-gateway/internal/device"
	"homeautomation-gateway/internal/gateway"
	"homeautomation-gateway/internal/instance"
	"homeautomation-gateway/internal/logger"
	"homeautomation-gateway/internal/logstream"
	"homeautomation-gateway/internal/server"
)

func main() {
	confPath := flag.String("conf", config.DefaultPath(), "configuration file")
	listPorts := flag.Bool("list-ports", false, "print the serial ports found on this system and exit")
	flag.Parse()

	if *listPorts {
		ports, err := device.DescribePorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not list serial ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if err := run(*confPath); err != nil {
		logger.Error("%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(confPath string) error {
	conf, err := config.Load(confPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := logstream.NewHub()
	go hub.Run(ctx)

	sinks := []io.Writer{os.Stderr, hub}
	if conf.LogFile != "" {
		logFile, err := logger.OpenFile(conf.LogFile)
		if err != nil {
			return err
		}
		defer logFile.Close()
		sinks = append(sinks, logFile)
	}
	logger.Setup(sinks...)
	logger.SetLevelFromString(conf.LogLevel)
	defer logger.Sync()
	logger.Info("Using config '%s', log level %s.", confPath, logger.Level())

	if conf.PidFile != "" {
		lock, err := instance.Acquire(conf.PidFile)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	table, err := calibration.New(conf.Calibration)
	if err != nil {
		return err
	}
	for _, d := range table.Reads() {
		logger.Debug("Channel %s: input %d, %s, %+v", d.Name(), d.Index, d.Mode, d.Linear)
	}

	board, err := device.NewBoard(conf.Device)
	if err != nil {
		return err
	}
	// A failed first attach is not fatal; requests answer "Not Available." until it recovers.
	board.Start(ctx)
	defer board.Close()

	srv := server.New(conf, gateway.NewDispatcher(board, table), hub)
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("Server started on port %d.", conf.NetworkPort)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info("Received %v, shutting down.", sig)
	case err := <-srv.Done():
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return errors.New("HTTP server stopped unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete: %v", err)
	}
	return nil
}

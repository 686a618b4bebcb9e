package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/spoolq/internal/config"
	"github.com/szibis/spoolq/internal/health"
	"github.com/szibis/spoolq/internal/logging"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}

	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	if cfg.ValidateOnly {
		if cfg.ConfigFile == "" {
			fmt.Fprintln(os.Stderr, "Error: -validate requires -config")
			os.Exit(2)
		}
		result := config.ValidateFile(cfg.ConfigFile)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if cfg.Command == "" {
		config.PrintUsage()
		os.Exit(2)
	}

	// stdout carries records, so logs go to stderr
	logging.SetOutput(os.Stderr)
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetResource(map[string]string{
		"service.name":    "spoolq",
		"service.version": config.GetVersion(),
		"queue.name":      cfg.QueueName,
	})

	setMemoryLimit(cfg.MemoryLimitRatio)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// a second signal terminates immediately
		<-ctx.Done()
		stop()
	}()

	checker := health.New()
	statsServer := startStatsServer(cfg.StatsAddr, checker)

	err := run(ctx, cfg, checker, os.Stdin, os.Stdout)

	checker.SetStopping()
	if statsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if err != nil {
		logging.Error("command failed", logging.F("command", cfg.Command, "error", err.Error()))
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setMemoryLimit sets GOMEMLIMIT from the cgroup limit, falling back to
// system memory.
func setMemoryLimit(ratio float64) {
	if ratio <= 0 {
		return
	}
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		return
	}
	logging.Debug("memory limit set", logging.F("limit_bytes", limit, "ratio", ratio))
}

// startStatsServer serves Prometheus metrics and the health probes on addr.
// An empty addr disables it.
func startStatsServer(addr string, checker *health.Checker) *http.Server {
	if addr == "" {
		return nil
	}
	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	checker.Mount(statsMux)

	statsServer := &http.Server{
		Addr:              addr,
		Handler:           statsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Info("stats endpoint started", logging.F("addr", addr, "path", "/metrics"))
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("stats server error", logging.F("error", err.Error()))
		}
	}()
	return statsServer
}

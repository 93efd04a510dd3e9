package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"oncallnotifier/internal/app"
	logx "oncallnotifier/pkg/logx"
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", "", "optional .env file (default: .env next to the config)")
	flag.Parse()

	if err := loadEnv(cfgPath, envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	notify(log, daemon.SdNotifyReady)
	stopWatchdog := watchdog(log)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}
	stopWatchdog()
	notify(log, daemon.SdNotifyStopping)

	// reminder.shutdown_timeout bounds the drain itself; this is the outer cap.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer stopCancel()
	err = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError || err != nil {
		if err == nil {
			err = a.Err()
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// loadEnv reads KEY=VALUE pairs for ${VAR} expansion in the config. Variables
// already set in the environment win.
func loadEnv(cfgPath, envPath string) error {
	explicit := envPath != ""
	if !explicit {
		envPath = filepath.Join(filepath.Dir(cfgPath), ".env")
	}
	if err := godotenv.Load(envPath); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env %s: %w", envPath, err)
	}
	return nil
}

func notify(log logx.Logger, state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec. It is a no-op
// outside systemd.
func watchdog(log logx.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				notify(log, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() { close(done) }
}

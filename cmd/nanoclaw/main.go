package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/gitduk/nanoclaw/internal/app"
	"github.com/gitduk/nanoclaw/internal/config"
	"github.com/gitduk/nanoclaw/internal/transport"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	logCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	logs, log := logx.New(logCfg)
	defer logs.Close()

	// The real messaging bridge attaches as a Connector; stdio keeps the
	// coordinator usable standalone.
	conn := transport.NewStdio(cfg.MainGroup.JID, cfg.MainGroup.Name)

	a, err := app.New(cfg, conn, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		logs.Close()
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = a.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err != nil {
		log.Error("coordinator exited", logx.Err(err))
		logs.Close()
		os.Exit(1)
	}
}

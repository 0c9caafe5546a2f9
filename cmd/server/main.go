package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/robfig/cron/v3"

	"blockci/internal/config"
	"blockci/internal/engine"
	"blockci/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to blockci.yaml")
	flag.Parse()
	defer glog.Flush()

	if err := serve(*configPath); err != nil {
		glog.Errorf("server: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	c := cron.New()
	if cfg.Server.ProbeSchedule != "" {
		if _, err := c.AddFunc(cfg.Server.ProbeSchedule, func() {
			if back := e.ProbeOffline(ctx); len(back) > 0 {
				glog.Infof("probe readmitted %v", back)
			}
		}); err != nil {
			return err
		}
	}
	c.Start()
	defer c.Stop()

	s := server.New(e)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		glog.Infof("blockci server listening on %s", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		glog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

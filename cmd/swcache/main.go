package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swcache/internal/swcache"
)

func main() {
	var configPath string
	var installRetry time.Duration
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.DurationVar(&installRetry, "install-retry", 30*time.Second, "delay between install attempts while pre-warming fails")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	svc, err := swcache.NewService(cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := svc.Engine()
	engine.Start()
	go installLoop(ctx, engine, installRetry)

	go func() {
		log.Printf("swcache listening on %s, origin=%s", addr, cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// installLoop retries install until it succeeds, then activates. Requests
// are served live (degraded mode) in the meantime.
func installLoop(ctx context.Context, engine *swcache.Engine, every time.Duration) {
	for {
		err := engine.InstallAndActivate(ctx)
		if err == nil {
			log.Printf("swcache: state %s", engine.State())
			return
		}
		log.Printf("swcache: install failed, serving live only, retry in %s", every)
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

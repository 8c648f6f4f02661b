package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/fleet"
	"github.com/you/huecycle/internal/httpapi"
	"github.com/you/huecycle/internal/idcache"
	"github.com/you/huecycle/internal/version"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitSignaled = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag   bool
		healthCheck   bool
		confPath      string
		httpAddr      string
		httpRateRPS   int
		httpRateBurst int
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.BoolVar(&healthCheck, "health-check", false, "Probe config readability and exit 0/1")
	flag.StringVar(&confPath, "conf", "", "Path to the config file (overrides TWITCH_CONF_FILE)")
	flag.StringVar(&httpAddr, "http-addr", "", "Status/metrics HTTP address (e.g., :8710); empty falls back to HUECYCLE_HTTP_ADDR")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 10, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 20, "Burst size for HTTP rate limiter")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"huecycle version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		return exitOK
	}

	path := strings.TrimSpace(confPath)
	if path == "" {
		path = config.Path()
	}
	store := config.NewStore(path)

	if healthCheck {
		if _, err := store.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "health-check: %v\n", err)
			return exitConfig
		}
		return exitOK
	}

	users, err := store.Load()
	if err != nil {
		log.Printf("huecycle: load config %s: %v", path, err)
		return exitConfig
	}
	if len(users) == 0 {
		log.Printf("huecycle: no valid identities in %s", path)
		return exitConfig
	}
	log.Printf("huecycle: %s starting with %d identities (conf %s)", version.Version, len(users), path)
	for _, id := range users {
		log.Printf("huecycle: identity %s enabled=%t prime=%t channels=%d",
			id.Username, id.Enabled, id.IsPrimeOrTurbo, len(id.Channels))
	}

	cache := idcache.Open(idcache.PathFor(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var signaled atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("huecycle: received %s, shutting down", sig)
		signaled.Store(true)
		cancel()
	}()

	var manager *fleet.Manager
	metrics := httpapi.NewMetrics(func() float64 {
		if manager == nil {
			return 0
		}
		return float64(len(manager.Statuses()))
	})
	manager = fleet.New(store, cache, nil, "", metrics)

	if httpAddr == "" {
		httpAddr = strings.TrimSpace(os.Getenv("HUECYCLE_HTTP_ADDR"))
	}

	var api *httpapi.Server
	if httpAddr != "" {
		api = httpapi.New(manager, store, metrics, httpapi.Options{
			Addr:  httpAddr,
			RPS:   httpRateRPS,
			Burst: httpRateBurst,
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Printf("huecycle: http api: %v", err)
			}
		}()
	}

	_ = manager.Run(ctx)

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("huecycle: http shutdown: %v", err)
		}
		shutdownCancel()
	}

	if signaled.Load() {
		return exitSignaled
	}
	return exitOK
}

// Command skwatch connects to a Signal K server and shows live, unit
// converted values.
//
// Usage:
//
//	skwatch [flags]
//
// Flags:
//
//	-config string        Configuration file path (yaml)
//	-server string        Server url, overrides the configuration
//	-discover             Connect to the first server found via mDNS
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-metrics-addr string  Serve Prometheus metrics on this address, e.g. :9100
//
// Environment variables (SERVER_URL, TOKEN, SUBSCRIPTION_MODE, ...) override
// the configuration file.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	signalk "github.com/dratasich/signalk-go-client-sdk"
	"github.com/dratasich/signalk-go-client-sdk/discovery"
	"github.com/dratasich/signalk-go-client-sdk/metrics"
)

var (
	configFile  string
	serverURL   string
	discover    bool
	logLevel    string
	metricsAddr string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (yaml)")
	flag.StringVar(&serverURL, "server", "", "Server url, overrides the configuration")
	flag.BoolVar(&discover, "discover", false, "Connect to the first server found via mDNS")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
}

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := signalk.LoadConfig(ctx, configFile)
	if err != nil {
		log.Fatal().Msgf("Failed to load configuration: %s", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if discover {
		servers, err := discovery.Lookup(ctx, discovery.Config{}, 3*time.Second)
		if err != nil || len(servers) == 0 {
			log.Fatal().Msgf("No Signal K server found (%v)", err)
		}
		cfg.ServerURL = servers[0].BaseURL()
		cfg.StreamURL = servers[0].StreamURL()
	}

	var m *metrics.Metrics
	if metricsAddr != "" {
		m, err = metrics.New(prometheus.DefaultRegisterer)
		if err != nil {
			log.Fatal().Msgf("Failed to register metrics: %s", err)
		}
		go serveMetrics(metricsAddr)
	}

	client, err := signalk.NewClient(cfg, signalk.WithMetrics(m))
	if err != nil {
		log.Fatal().Msgf("Failed to create client: %s", err)
	}
	defer client.Close()

	ui, err := newREPL(client)
	if err != nil {
		log.Fatal().Msgf("%s", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: ui.Stderr(), TimeFormat: time.TimeOnly})

	if err := client.Connect(ctx); err != nil {
		log.Error().Msgf("Connect failed: %s", err)
	}
	ui.Run(ctx, cancel)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Msgf("Serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Msgf("Metrics server failed: %s", err)
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/socket-chat/backend/metrics"
	httpServer "github.com/adwski/socket-chat/backend/server/http"
	websocketServer "github.com/adwski/socket-chat/backend/server/websocket"
	"github.com/adwski/socket-chat/backend/service"
	store "github.com/adwski/socket-chat/backend/storage/memory"
	sw "github.com/adwski/socket-chat/backend/switch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", ":3000", "websocket relay listen address")
		logLevel       = fs.StringP("log-level", "l", "info", "log level")
		maxMessageSize = fs.Int64("max-message-size", 1<<20, "max inbound websocket message size in bytes")
		pingInterval   = fs.Duration("ping-interval", 5*time.Second, "websocket ping interval")
		pongWait       = fs.Duration("pong-wait", 7*time.Second, "how long to wait for pong before dropping connection")
		sendBuffer     = fs.Int("send-buffer", 64, "per connection outbound queue length")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rooms := store.NewMemStore()
	svc := service.NewService(service.Config{
		Switch:   sw.NewSwitch(&logger, rooms, m),
		Logger:   &logger,
		Metrics:  m,
		TXBuffer: *sendBuffer,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Rooms:      rooms,
		Gatherer:   reg,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		Metrics:        m,
		ListenAddr:     *wsListenAddr,
		MaxMessageSize: *maxMessageSize,
		PingInterval:   *pingInterval,
		PongWait:       *pongWait,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

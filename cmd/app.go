package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpServer "github.com/averin-dv/watchparty/server/http"
	websocketServer "github.com/averin-dv/watchparty/server/websocket"
	"github.com/averin-dv/watchparty/service"
	store "github.com/averin-dv/watchparty/storage/memory"
	sw "github.com/averin-dv/watchparty/switch"
	"github.com/averin-dv/watchparty/torrent"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket sync listen address")
		torrentDir    = fs.StringP("torrent-dir", "t", os.TempDir(), "scratch directory for swarm downloads")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		RoomRegistry: store.NewRegistry(),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
	})
	swarm, err := torrent.NewManager(torrent.Config{
		Logger:  &logger,
		DataDir: *torrentDir,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start swarm client")
	}
	defer swarm.Close()

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:          &logger,
		RoomService:     svc,
		TransferManager: swarm,
		ListenAddr:      *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		SyncService: svc,
		ListenAddr:  *wsListenAddr,
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

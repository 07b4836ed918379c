package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livemeet-sfu/internal/api"
	"github.com/isqad/livemeet-sfu/internal/capture"
	"github.com/isqad/livemeet-sfu/internal/config"
	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/rooms"
	"github.com/isqad/livemeet-sfu/internal/rtc"
	"github.com/isqad/livemeet-sfu/internal/signal"
	"github.com/isqad/livemeet-sfu/internal/transcode"
	"github.com/isqad/livemeet-sfu/internal/uploads"
)

func main() {
	app := &cli.App{
		Name:        "livemeet-server",
		Usage:       "Meeting coordinator",
		Description: "Serves signaling, routes session media and records meetings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "configs/livemeet.yaml",
				Usage: "Path to the yaml config",
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func start(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("pgx", cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	defer rdb.Close()
	bus := eventbus.RedisPubSub(rdb)

	nc, err := nats.Connect(cfg.Nats.Addr)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	if err := os.MkdirAll(cfg.Capture.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create capture output dir: %w", err)
	}

	ledger := core.NewRecordingsRepository(db)

	captureUploads, operatorUploads, err := buildUploads(cfg, ledger)
	if err != nil {
		return err
	}
	if queue, ok := captureUploads.(*uploads.Queue); ok {
		defer queue.Stop()
	}

	webrtcConf, err := config.NewWebRTCConfig(cfg)
	if err != nil {
		return fmt.Errorf("build webrtc config: %w", err)
	}

	ports := rtc.NewPortsAllocator(cfg.Capture.PortRangeStart, cfg.Capture.PortRangeEnd)
	engine := rtc.NewWebRTCEngine(webrtcConf, cfg.Peer.EnabledCodecs, ports)
	orchestrator := rtc.NewOrchestrator(engine, bus)

	controller := capture.NewController(capture.ControllerOptions{
		Ledger:    ledger,
		Media:     orchestrator,
		Uploads:   captureUploads,
		OutputDir: cfg.Capture.OutputDir,
	})
	controller.SetTranscoder(transcode.NewClient(nc, controller))
	orchestrator.SetCaptureHook(controller)

	operatorAPI := api.NewApp(api.AppOptions{
		Recordings: core.NewRecordingsLister(db),
		Uploads:    operatorUploads,
	}).Router()

	app := signal.New(signal.AppOptions{
		Env:     cfg.App.Env,
		Address: cfg.HTTP.Address,
		Gateway: signal.GatewayOptions{
			Registry:   rooms.NewRegistry(),
			Media:      orchestrator,
			Recorder:   controller,
			Publisher:  bus,
			Subscriber: bus,
		},
		API: operatorAPI,
	})

	return app.Start()
}

// buildUploads wires the upload pipeline, or its local-only stand-in when
// uploads are disabled. With uploads on, recordings stranded by a previous
// crash are requeued before any fresh work arrives.
func buildUploads(cfg *config.Config, ledger core.RecordingsStorer) (capture.Uploader, api.UploadsManager, error) {
	if !cfg.Uploads.Enabled {
		log.Warn().Msg("uploads are disabled, recordings stay on local disk")
		local := uploads.LocalOnly{}
		return local, local, nil
	}

	store, err := uploads.NewS3Store(cfg.S3)
	if err != nil {
		return nil, nil, fmt.Errorf("create blob store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure bucket: %w", err)
	}

	queue := uploads.NewQueue(cfg.Uploads, ledger, store, clock.New())
	queue.Start()

	if _, err := queue.RetryFailedUploads(); err != nil {
		log.Error().Err(err).Msg("can't requeue incomplete uploads")
	}

	return queue, queue, nil
}

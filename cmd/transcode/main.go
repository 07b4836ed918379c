package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livemeet-sfu/internal/transcode"
)

func main() {
	app := &cli.App{
		Name:        "livemeet-transcode",
		Usage:       "Transcode daemon",
		Description: "Pulls recording jobs off NATS and writes session media to files with ffmpeg",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "natsAddr",
				Value: "nats://127.0.0.1:10222",
				Usage: "Address to connect to NATS server",
			},
			&cli.StringFlag{
				Name:  "workDir",
				Value: "/tmp/livemeet-transcode",
				Usage: "Directory for SDP job files",
			},
			&cli.StringFlag{
				Name:  "ffmpegBin",
				Value: "ffmpeg",
				Usage: "ffmpeg binary to run",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Value: false,
				Usage: "Enable debug logging",
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func start(c *cli.Context) error {
	log.Logger = log.Output(zerolog.NewConsoleWriter())
	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	daemon, err := transcode.New(c.String("natsAddr"), c.String("workDir"), c.String("ffmpegBin"))
	if err != nil {
		return err
	}

	return daemon.Run()
}

package main

import (
	"fmt"
	"os"

	"github.com/isqad/livemeet-sfu/internal/bot"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "livemeet-bot",
		Usage: "WebRTC bot for publishing media into a livemeet session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "localhost:3001",
				Usage: "host of the signaling server",
			},
			&cli.StringFlag{
				Name:     "session",
				Usage:    "session to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Value: "bot",
				Usage: "display name of the bot peer",
			},
			&cli.StringFlag{
				Name:  "video",
				Value: "video.ivf",
				Usage: "IVF file with VP8 frames to publish",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func startBot(c *cli.Context) error {
	b, err := bot.New(c.String("host"), c.String("session"), c.String("name"), c.String("video"))
	if err != nil {
		return err
	}

	return b.Start()
}

package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/snippetd/internal/daemon"
	"github.com/matheus3301/snippetd/internal/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func main() {
	app := &cli.App{
		Name:  "snippetd",
		Usage: "WhatsApp snippet ingestion daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "session name (overrides config default)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "HTTP listen address (overrides config)",
					},
				},
				Action: runDaemon,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	sessionName := session.Resolve(c.String("session"))
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Listen:      c.String("listen"),
		}),
	)
	app.Run()
	return nil
}

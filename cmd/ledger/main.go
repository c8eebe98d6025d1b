package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "ledger",
		Usage: "FIFO cost-basis allocation and performance reporting for trade histories",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file. Defaults and ARGO_LEDGER_* variables apply without one",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Env files loaded before the config",
				Value: []string{".env"},
			},
		},
		Commands: []*cli.Command{
			importCommand(),
			allocateCommand(),
			reportCommand(),
			versionsCommand(),
			exportCommand(),
			serveCommand(),
			schemaCommand(),
			versionCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}

// withApp loads the configuration, opens the stores and runs action with them.
func withApp(ctx context.Context, cmd *cli.Command, action func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return action(ctx, a)
}

func printDisclosures(lines []string) {
	for _, line := range lines {
		fmt.Fprintln(os.Stderr, "disclosure:", line)
	}
}

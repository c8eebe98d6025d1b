package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/allocation"
	"github.com/rxtech-lab/argo-ledger/internal/config"
	"github.com/rxtech-lab/argo-ledger/internal/performance"
	"github.com/rxtech-lab/argo-ledger/internal/pricing"
	"github.com/rxtech-lab/argo-ledger/internal/scheduler"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/internal/version"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	versionFlag = &cli.IntFlag{
		Name:  "allocation-version",
		Usage: "Allocation version. Defaults to allocation_version from the config",
	}
	instrumentFlag = &cli.StringSliceFlag{
		Name:    "instrument",
		Aliases: []string{"i"},
		Usage:   "Limit to these instruments. Repeat for more than one",
	}
)

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.StringSlice("env-file")...)
	if err != nil {
		return config.Config{}, err
	}

	if v := int(cmd.Int(versionFlag.Name)); v != 0 {
		cfg.AllocationVersion = v
	}

	return cfg, nil
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import trade events from CSV or parquet files into the event store",
		ArgsUsage: "<file> [file...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			files := cmd.Args().Slice()
			if len(files) == 0 {
				return fmt.Errorf("at least one file is required")
			}

			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				total := 0

				for _, file := range files {
					imported, err := a.events.Import(ctx, file)
					if err != nil {
						return err
					}

					total += imported
				}

				fmt.Printf("Imported %d trade events from %d files\n", total, len(files))

				return nil
			})
		},
	}
}

func allocateCommand() *cli.Command {
	return &cli.Command{
		Name:  "allocate",
		Usage: "Run FIFO allocation and commit the result to the ledger",
		Flags: []cli.Flag{
			versionFlag,
			instrumentFlag,
			&cli.BoolFlag{
				Name:  "incremental",
				Usage: "Only allocate events newer than the last commit of each instrument",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				instruments := cmd.StringSlice(instrumentFlag.Name)

				total := len(instruments)
				if total == 0 {
					all, err := a.events.Instruments(ctx)
					if err != nil {
						return err
					}

					total = len(all)
				}

				bar := progressbar.NewOptions(total,
					progressbar.OptionSetDescription(fmt.Sprintf("Allocating version %d", a.config.AllocationVersion)),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWriter(os.Stderr),
				)

				service := a.service(allocation.WithProgress(func(allocation.InstrumentReport) {
					_ = bar.Add(1)
				}))

				run := service.Reallocate
				if cmd.Bool("incremental") {
					run = service.Extend
				}

				report, err := run(ctx, a.config.AllocationVersion, instruments)
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)

				if err != nil {
					return err
				}

				for _, instrument := range report.Instruments {
					switch {
					case instrument.Err != nil:
						fmt.Printf("%s: failed: %v\n", instrument.Instrument, instrument.Err)
					case instrument.Unchanged:
						fmt.Printf("%s: unchanged (segment %d)\n", instrument.Instrument, instrument.Segment)
					default:
						fmt.Printf("%s: %d records, %d anomalies, %d open lots (segment %d)\n",
							instrument.Instrument, instrument.Records, instrument.Anomalies, instrument.OpenLots, instrument.Segment)
					}
				}

				if failed := report.Failed(); len(failed) > 0 {
					return fmt.Errorf("%d of %d instruments failed to allocate", len(failed), len(report.Instruments))
				}

				return nil
			})
		},
	}
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Compute a performance snapshot and print it as YAML",
		Flags: []cli.Flag{
			versionFlag,
			instrumentFlag,
			&cli.StringSliceFlag{
				Name:  "trigger",
				Usage: "Limit to sells with these trigger tags",
			},
			&cli.TimestampFlag{
				Name:   "from",
				Usage:  "Only sells at or after this time",
				Config: cli.TimestampConfig{Layouts: []string{"2006-01-02", time.RFC3339}},
			},
			&cli.TimestampFlag{
				Name:   "to",
				Usage:  "Only sells before this time",
				Config: cli.TimestampConfig{Layouts: []string{"2006-01-02", time.RFC3339}},
			},
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Store the snapshot in the ledger",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the snapshot YAML to this file instead of stdout",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				aggregator, err := a.aggregator()
				if err != nil {
					return err
				}

				instruments := cmd.StringSlice(instrumentFlag.Name)
				priced := instruments

				if len(priced) == 0 {
					priced, err = a.events.Instruments(ctx)
					if err != nil {
						return err
					}
				}

				source, err := newPriceSource(a.config.PriceFeed, a.logger.Named("pricing"))
				if err != nil {
					return err
				}

				snapshot, err := aggregator.Compute(ctx, performance.Request{
					Version: a.config.AllocationVersion,
					Filter: performance.Filter{
						Instruments: instruments,
						Triggers:    cmd.StringSlice("trigger"),
						From:        cmd.Timestamp("from"),
						To:          cmd.Timestamp("to"),
					},
					Prices: pricing.Fetch(ctx, source, priced, a.config.PriceFeed.Timeout, a.logger.Named("pricing")),
				})
				if err != nil {
					return err
				}

				if cmd.Bool("record") {
					snapshot, err = aggregator.Record(ctx, snapshot)
					if err != nil {
						return err
					}
				}

				printDisclosures(snapshot.Disclosures())

				if output := cmd.String("output"); output != "" {
					return types.WriteSnapshotYAML(output, snapshot)
				}

				data, err := types.MarshalSnapshot(snapshot)
				if err != nil {
					return err
				}

				_, err = os.Stdout.Write(data)

				return err
			})
		},
	}
}

func versionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "versions",
		Usage: "List ledger commits per allocation version",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "instrument",
				Aliases: []string{"i"},
				Usage:   "Only commits of this instrument",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				commits, err := a.ledger.Versions(ctx, cmd.String("instrument"))
				if err != nil {
					return err
				}

				return yaml.NewEncoder(os.Stdout).Encode(commits)
			})
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export one allocation version to parquet files",
		Flags: []cli.Flag{
			versionFlag,
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Output directory",
				Value: "export",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				result, err := a.ledger.Export(ctx, cmd.String("dir"), a.config.AllocationVersion)
				if err != nil {
					return err
				}

				fmt.Println(result.RecordsPath)
				fmt.Println(result.OpenLotsPath)
				fmt.Println(result.AnomaliesPath)

				return nil
			})
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Recompute and record snapshots on the configured cron schedule until interrupted",
		Flags: []cli.Flag{versionFlag, instrumentFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				aggregator, err := a.aggregator()
				if err != nil {
					return err
				}

				source, err := newPriceSource(a.config.PriceFeed, a.logger.Named("pricing"))
				if err != nil {
					return err
				}

				job := scheduler.NewJob(a.service(), aggregator, source, scheduler.JobConfig{
					Version:      a.config.AllocationVersion,
					Instruments:  cmd.StringSlice(instrumentFlag.Name),
					Incremental:  a.config.Schedule.Incremental,
					PriceTimeout: a.config.PriceFeed.Timeout,
					SnapshotDir:  a.config.Schedule.SnapshotDir,
				}, a.logger.Named("scheduler"))

				if _, err := job.RunOnce(ctx); err != nil {
					a.logger.Error("Initial run failed", zap.Error(err))
				}

				s, err := scheduler.New(ctx, a.config.Schedule.Cron, job, a.logger.Named("scheduler"))
				if err != nil {
					return err
				}

				s.Start()
				<-ctx.Done()
				s.Stop()

				return nil
			})
		},
	}
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the JSON schema of the config file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the schema to this file",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg := config.Default()

			schemaJSON, err := cfg.GenerateSchemaJSON()
			if err != nil {
				return err
			}

			if output := cmd.String("output"); output != "" {
				return os.WriteFile(output, []byte(schemaJSON), 0644)
			}

			fmt.Println(schemaJSON)

			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the build version",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Println(version.GetVersion())

			return nil
		},
	}
}

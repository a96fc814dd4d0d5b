// Command dlq inspects and repairs the failed-job list of a coordinator
// queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/iliyamo/ticket-coordinator/internal/config"
	"github.com/iliyamo/ticket-coordinator/internal/logging"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/queue/transport"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dlq",
		Usage: "inspect and repair failed REQUEST and RESPONSE jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "file of KEY=VALUE pairs loaded first"},
			&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Value: queue.Response, Usage: "REQUEST or RESPONSE"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "deadline of the whole command"},
		},
		Commands: []*cli.Command{
			{
				Name:  "preview",
				Usage: "list up to --limit failed jobs (redis: newest first, amqp: oldest first)",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
				},
				Action: func(c *cli.Context) error {
					return withQueue(c, func(ctx context.Context, q queue.Queue) error {
						jobs, err := q.Failed(ctx, c.Int("limit"))
						if err != nil {
							return err
						}
						if len(jobs) == 0 {
							fmt.Fprintf(c.App.Writer, "no failed jobs on %s\n", q.Name())
							return nil
						}
						w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
						fmt.Fprintln(w, "ID\tATTEMPTS\tFAILED AT\tREASON")
						for _, j := range jobs {
							fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", j.ID, j.Attempt, j.FailedAt.Format(time.RFC3339), oneLine(j.Reason))
						}
						return w.Flush()
					})
				},
			},
			{
				Name:      "requeue",
				Usage:     "move a failed job back to the waiting list",
				ArgsUsage: "<job_id>",
				Action: func(c *cli.Context) error {
					id, err := jobID(c)
					if err != nil {
						return err
					}
					return withQueue(c, func(ctx context.Context, q queue.Queue) error {
						if err := q.RetryFailed(ctx, id); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "requeued %s on %s\n", id, q.Name())
						return nil
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "delete a failed job",
				ArgsUsage: "<job_id>",
				Action: func(c *cli.Context) error {
					id, err := jobID(c)
					if err != nil {
						return err
					}
					return withQueue(c, func(ctx context.Context, q queue.Queue) error {
						if err := q.RemoveFailed(ctx, id); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "removed %s from %s\n", id, q.Name())
						return nil
					})
				},
			},
		},
	}
}

func jobID(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("exactly one <job_id> is required", 2)
	}
	return c.Args().First(), nil
}

// withQueue opens the broker described by the environment and runs fn on
// the selected queue. Only broker settings are read; consumers are never
// started.
func withQueue(c *cli.Context, fn func(context.Context, queue.Queue) error) error {
	envFile := c.String("env-file")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.LoadBroker()
	if err != nil {
		return err
	}
	var qc config.QueueConfig
	switch name := strings.ToUpper(c.String("queue")); name {
	case queue.Request:
		qc = cfg.Request
	case queue.Response:
		qc = cfg.Response
	default:
		return cli.Exit(fmt.Sprintf("unknown queue %q", name), 2)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	lg := logging.Component(logging.New(cfg.Env, cfg.LogLevel), "dlq")
	broker, rdb, err := transport.Open(ctx, cfg.Broker, lg)
	if err != nil {
		return err
	}
	defer closeAll(broker, rdb, cfg.Broker.Kind)

	q, err := broker.Queue(strings.ToUpper(c.String("queue")), queue.PolicyFrom(qc, cfg.Lifecycle.HandlerTimeout))
	if err != nil {
		return err
	}
	return fn(ctx, q)
}

func closeAll(b queue.Broker, rdb *redis.Client, kind string) {
	_ = b.Close()
	if rdb != nil && kind != "redis" {
		_ = rdb.Close()
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

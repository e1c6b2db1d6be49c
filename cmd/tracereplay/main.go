// Command tracereplay feeds a recorded pointer session through the
// telemetry recorder and delivers the result to a study backend, the same
// way a round page would.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studytrace/internal/config"
	"studytrace/internal/delivery"
	"studytrace/internal/logger"
	"studytrace/internal/tracker"

	"github.com/spf13/cobra"
)

type replayOptions struct {
	events   string
	layout   string
	server   string
	session  string
	gzip     bool
	interval time.Duration
	timeout  time.Duration
	start    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "tracereplay",
		Short: "Replay a recorded pointer session against a study backend",
		Long: `Reads a JSONL recording of pointer, hover and page lifecycle events,
drives a round page's telemetry recorder with it on a virtual clock and
delivers each save (and the final teardown beacon) to --server.

Each line is {"t": <ms since load>, "type": "move|show|enter|leave|save|reset|teardown",
"x": .., "y": .., "target": ".."}.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.events, "events", "", "JSONL recording to replay (required)")
	f.StringVar(&opts.layout, "layout", "", "YAML page layout; omit to use the proportional classifier")
	f.StringVar(&opts.server, "server", "http://localhost:8080", "study backend base URL")
	f.StringVar(&opts.session, "session", "", "session id to deliver under (required)")
	f.BoolVar(&opts.gzip, "gzip", false, "gzip request bodies")
	f.DurationVar(&opts.interval, "interval", tracker.DefaultSampleInterval, "minimum spacing between recorded samples")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	f.StringVar(&opts.start, "start", "", "RFC3339 page load time (default now)")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("events")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runReplay(ctx context.Context, out io.Writer, opts replayOptions) error {
	lg := logger.New(config.Config{
		ServiceName: "tracereplay",
		LogLevel:    opts.logLevel,
		LogPretty:   true,
	}, os.Stderr)

	start := time.Now()
	if opts.start != "" {
		t, err := time.Parse(time.RFC3339, opts.start)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		start = t
	}

	f, err := os.Open(opts.events)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	events, err := ReadEvents(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", opts.events, err)
	}

	layout, err := LoadLayout(opts.layout)
	if err != nil {
		return err
	}

	dopts := delivery.Options{BaseURL: opts.server, Gzip: opts.gzip, Timeout: opts.timeout}
	beacon := delivery.NewBeacon(dopts)

	rp := NewReplayer(ReplayConfig{
		SessionID:      opts.session,
		Layout:         layout,
		Reliable:       delivery.NewClient(dopts),
		Beacon:         beacon,
		SampleInterval: opts.interval,
		Start:          start,
		Out:            out,
		Logger:         lg,
	})

	sum, err := rp.Run(ctx, events)
	beacon.Wait()
	if err != nil {
		return err
	}

	sent, failed := beacon.Stats()
	fmt.Fprintf(out, "replayed %d events: saves=%d failed_saves=%d beacons_sent=%d beacons_failed=%d\n",
		sum.Events, sum.Saves, sum.SaveFailures, sent, failed)
	if sum.SaveFailures > 0 || failed > 0 {
		return fmt.Errorf("%d save(s) and %d beacon(s) not delivered", sum.SaveFailures, failed)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/deploystatus"
	"github.com/olajaido/platform-hub/pkg/domain"
)

// finalLogsGrace bounds how long watch waits for the last log pull after the
// deployment reached a terminal status.
const finalLogsGrace = 2 * time.Second

type watchOptions struct {
	refreshEvery time.Duration
	noRealtime   bool
	noPolling    bool
}

func newDeploymentsWatchCmd(a *app) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch <deployment-id>",
		Short: "Follow a deployment until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.client()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), a, api, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&opts.refreshEvery, "refresh-every", 0, "Also refetch status and logs at this interval")
	flags.BoolVar(&opts.noRealtime, "no-realtime", false, "Do not open the push channel")
	flags.BoolVar(&opts.noPolling, "no-polling", false, "Do not fall back to polling")
	return cmd
}

type watchPrinter struct {
	a         *app
	status    domain.Status
	transport deploystatus.Transport
	printed   int
	lastErr   string
}

func runWatch(ctx context.Context, a *app, api *client.Client, deploymentID string, opts watchOptions) error {
	obs, err := deploystatus.Observe(ctx, deploystatus.FromClient(api), deploymentID,
		deploystatus.WithRealtime(a.cfg.Realtime && !opts.noRealtime),
		deploystatus.WithPolling(a.cfg.Polling && !opts.noPolling),
		deploystatus.WithPollingInterval(a.cfg.PollInterval),
		deploystatus.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	defer obs.Stop()

	var refresh <-chan time.Time
	if opts.refreshEvery > 0 {
		ticker := time.NewTicker(opts.refreshEvery)
		defer ticker.Stop()
		refresh = ticker.C
	}

	p := &watchPrinter{a: a}
	var settle <-chan time.Time
	updates := obs.Updates()
loop:
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				break loop
			}
			p.print(snap)
			if snap.Terminal() && settle == nil {
				settle = time.After(finalLogsGrace)
			}
		case <-refresh:
			obs.Refetch()
		case <-settle:
			break loop
		}
	}
	obs.Stop()
	final := obs.Snapshot()
	p.print(final)

	if !final.Terminal() {
		if ctx.Err() != nil {
			fmt.Fprintln(a.err, warnMsg("stopped watching %s", deploymentID))
			return nil
		}
		if final.Err != nil {
			return final.Err
		}
		return errors.New("observation ended before the deployment finished")
	}
	// deployment_finished marks the watch terminal before the final status pull lands.
	if final.Status == nil {
		if final.Err != nil {
			return fmt.Errorf("deployment %s finished but its status could not be fetched: %w", deploymentID, final.Err)
		}
		return fmt.Errorf("deployment %s finished but its status could not be fetched", deploymentID)
	}
	if a.cfg.Output != "table" {
		_, err := encode(a.out, a.cfg.Output, final.Status)
		return err
	}
	fmt.Fprint(a.out, "\n"+renderStatus(*final.Status))
	if final.Status.Status == domain.StatusFailed {
		return fmt.Errorf("deployment %s failed", deploymentID)
	}
	return nil
}

// print reports what changed since the previous snapshot.
func (p *watchPrinter) print(snap deploystatus.Snapshot) {
	w := p.a.err
	if snap.Transport != p.transport && snap.Transport != deploystatus.TransportNone {
		fmt.Fprintln(w, infoMsg("following via %s", snap.Transport))
	}
	p.transport = snap.Transport

	if snap.Err != nil {
		if msg := snap.Err.Error(); msg != p.lastErr {
			fmt.Fprintln(w, warnMsg("%s", msg))
			p.lastErr = msg
		}
	} else {
		p.lastErr = ""
	}

	if snap.Status != nil && snap.Status.Status != p.status {
		p.status = snap.Status.Status
		fmt.Fprintln(w, infoMsg("status %s", statusChip(p.status)))
	}

	if p.a.cfg.Output != "table" {
		return
	}
	if len(snap.Logs) < p.printed {
		p.printed = 0
	}
	for _, line := range snap.Logs[p.printed:] {
		fmt.Fprintln(p.a.out, mutedStyle.Render("│ ")+line)
	}
	p.printed = len(snap.Logs)
}

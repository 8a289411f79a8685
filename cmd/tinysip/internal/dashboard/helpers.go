package dashboard

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/pkg/client"
	"github.com/tinyland-inc/tinysip/pkg/dashboard"
)

func render(out io.Writer, s dashboard.Snapshot, st dashboard.Status) {
	updated := "never"
	if !st.LastUpdated.IsZero() {
		updated = st.LastUpdated.Local().Format(time.TimeOnly)
	}
	stale := ""
	if st.Stale {
		stale = " (stale)"
	}
	fmt.Fprintf(out, "[%s] updated %s%s\n", modeName(st.Mode), updated, stale)
	fmt.Fprintf(out, "  users %d/%d online, %d active calls, %d messages today\n",
		s.Stats.OnlineUsers, s.Stats.TotalUsers, s.Stats.ActiveCalls, s.Stats.MessagesToday)
	for _, c := range s.Calls {
		fmt.Fprintf(out, "  call %s -> %s (%ds)\n", c.Caller, c.Callee, c.Duration)
	}
}

func modeName(m dashboard.Mode) string {
	if m == dashboard.ModeNone {
		return "offline"
	}
	return string(m)
}

func dashboardCmd(out io.Writer, debug, once bool, metricsAddr string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.SetupLogging(cfg, debug)

	w, err := client.NewDashboard(cfg)
	if err != nil {
		return err
	}

	ctx, stop := internal.SignalContext()
	defer stop()

	if once {
		if err := w.Refresh(ctx); err != nil {
			return fmt.Errorf("error fetching dashboard: %w", err)
		}
		s, _ := w.Snapshot()
		st := w.Status()
		st.Mode = dashboard.ModePoll
		render(out, s, st)
		return nil
	}

	internal.ServeMetrics(ctx, metricsAddr)

	var mu sync.Mutex
	w.OnSnapshot(func(s dashboard.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		render(out, s, w.Status())
	})
	w.OnStatus(func(st dashboard.Status) {
		if !st.Stale {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "[%s] stale: %s\n", modeName(st.Mode), st.LastError)
	})

	fmt.Fprintf(out, "%s Following dashboard (Ctrl+C to stop)\n", internal.Logo)
	if err := w.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nShutting down...")
	return nil
}

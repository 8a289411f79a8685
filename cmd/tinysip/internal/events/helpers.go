package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/pkg/channels"
	"github.com/tinyland-inc/tinysip/pkg/client"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/router"
)

type line struct {
	Kind      string          `json:"kind"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// printer writes one JSON document per line. Router and channel observers
// run on different goroutines, so writes are serialised.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) print(l line) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(l)
}

func (p *printer) handler(_ context.Context, ev events.ChannelEvent) error {
	p.print(line{
		Kind:      string(ev.Kind),
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      ev.Data,
	})
	return nil
}

func (p *printer) status(st channels.Status) {
	l := line{Kind: "CHANNEL", State: string(st.State)}
	if st.Err != nil {
		l.Error = st.Err.Error()
	}
	p.print(l)
}

func parseKinds(names []string) ([]events.EventKind, error) {
	if len(names) == 0 {
		return events.Kinds(), nil
	}
	out := make([]events.EventKind, 0, len(names))
	for _, n := range names {
		k := events.EventKind(strings.ToUpper(strings.TrimSpace(n)))
		if !k.Known() {
			return nil, fmt.Errorf("unknown event kind %q", n)
		}
		out = append(out, k)
	}
	return out, nil
}

func subscribe(r *router.Router, p *printer, kinds []events.EventKind) []router.Handle {
	handles := make([]router.Handle, 0, len(kinds))
	for _, k := range kinds {
		handles = append(handles, r.Subscribe(k, p.handler))
	}
	return handles
}

func eventsCmd(out io.Writer, debug bool, metricsAddr string, kindNames []string) error {
	kinds, err := parseKinds(kindNames)
	if err != nil {
		return err
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.SetupLogging(cfg, debug)

	cred, err := internal.Credential(cfg)
	if err != nil {
		return err
	}

	ctx, stop := internal.SignalContext()
	defer stop()
	internal.ServeMetrics(ctx, metricsAddr)

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	p := &printer{enc: json.NewEncoder(out)}
	subscribe(c.Router(), p, kinds)
	c.Channel().OnStatus(p.status)

	if err := c.Start(ctx, cred); err != nil {
		return fmt.Errorf("error starting client: %w", err)
	}
	fmt.Fprintf(out, "%s Listening on %s (Ctrl+C to stop)\n", internal.Logo, cfg.Server.WSURL)

	<-ctx.Done()
	fmt.Fprintln(out, "\nShutting down...")
	return nil
}

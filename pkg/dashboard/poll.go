package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Poller fetches full snapshots from the dashboard endpoint.
type Poller struct {
	http *resty.Client
	url  string
}

func NewPoller(url string, timeout time.Duration) *Poller {
	return &Poller{
		http: resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		url:  url,
	}
}

func (p *Poller) Fetch(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	resp, err := p.http.R().SetContext(ctx).SetResult(&s).Get(p.url)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetching snapshot: %w", err)
	}
	if resp.IsError() {
		return Snapshot{}, fmt.Errorf("fetching snapshot: %s", resp.Status())
	}
	return s, nil
}

// PollSource fetches a snapshot at a fixed interval. It never gives up.
type PollSource struct {
	Poller   *Poller
	Interval time.Duration
}

func (p *PollSource) Mode() Mode { return ModePoll }

func (p *PollSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		if s, err := p.Poller.Fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sink.Fail(err)
		} else {
			sink.Deliver(s)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

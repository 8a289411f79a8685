package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/tinyland-inc/tinysip/pkg/logger"
)

const maxEventSize = 1 << 20

// StreamSource reads named events from a server-sent event stream and
// reconnects after a fixed delay whenever the stream breaks.
type StreamSource struct {
	URL   string
	Event string // event name carrying snapshots, "dashboard" by default
	Retry time.Duration

	http *resty.Client
}

func NewStreamSource(url string, retry time.Duration) *StreamSource {
	return &StreamSource{
		URL:   url,
		Event: "dashboard",
		Retry: retry,
		http:  resty.New().SetHeader("Accept", "text/event-stream").SetHeader("Cache-Control", "no-cache"),
	}
}

func (s *StreamSource) Mode() Mode { return ModeStream }

func (s *StreamSource) Run(ctx context.Context, sink Sink) error {
	retry := backoff.NewConstantBackOff(s.Retry)

	for {
		err := s.once(ctx, sink, retry)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnsupported) {
			return err
		}
		sink.Fail(err)

		delay := retry.NextBackOff()
		logger.InfoCF("dashboard", "Stream broken, reconnecting", map[string]any{
			"delay": delay.String(),
			"error": err.Error(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *StreamSource) once(ctx context.Context, sink Sink, retry *backoff.ConstantBackOff) error {
	resp, err := s.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(s.URL)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch resp.StatusCode() {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusNotImplemented:
		return ErrUnsupported
	}
	if resp.IsError() {
		return fmt.Errorf("opening stream: %s", resp.Status())
	}
	mt, _, _ := mime.ParseMediaType(resp.Header().Get("Content-Type"))
	if mt != "text/event-stream" {
		return ErrUnsupported
	}

	logger.InfoCF("dashboard", "Stream connected", map[string]any{"url": s.URL})
	return s.read(body, sink, retry)
}

// read parses the event stream until it ends. Events other than s.Event
// are ignored; a snapshot that does not decode marks the view stale but
// keeps the stream open.
func (s *StreamSource) read(r io.Reader, sink Sink, retry *backoff.ConstantBackOff) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var event string
	var data []string
	dispatch := func() {
		defer func() { event, data = "", nil }()
		if len(data) == 0 || event != s.Event {
			return
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &snap); err != nil {
			sink.Fail(fmt.Errorf("decoding %s event: %w", s.Event, err))
			return
		}
		sink.Deliver(snap)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				retry.Interval = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

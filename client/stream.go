package client

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventSink receives decoded stream events.
type EventSink interface {
	HandleEvent(event string, data []byte) error
}

const maxReconnectBackoff = 30 * time.Second

// Listen consumes the server-sent progress stream and feeds every event
// into the sink, reconnecting with exponential backoff when the
// connection drops. It returns when the context is cancelled.
func Listen(ctx context.Context, httpClient *http.Client, url string, sink EventSink) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := consume(ctx, httpClient, url, sink); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("progress stream disconnected, reconnecting")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < maxReconnectBackoff {
			backoff *= 2
		}
	}
}

func consume(ctx context.Context, httpClient *http.Client, url string, sink EventSink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var event string
	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && data.Len() > 0 {
				if err := sink.HandleEvent(event, []byte(data.String())); err != nil {
					log.WithError(err).WithField("event", event).Warn("dropping unreadable stream event")
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

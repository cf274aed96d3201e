package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// callerParams are the resolved settings for one SRT caller dial.
type callerParams struct {
	host        string
	streamID    string
	latency     time.Duration
	dialTimeout time.Duration
}

func resolveCaller(u *url.URL, opts Options) (callerParams, error) {
	if u.Host == "" {
		return callerParams{}, fmt.Errorf("source: SRT address %q has no host", u.String())
	}
	p := callerParams{
		host:        u.Host,
		streamID:    u.Query().Get("streamid"),
		latency:     opts.SRTLatency,
		dialTimeout: opts.DialTimeout,
	}
	if p.latency <= 0 {
		p.latency = DefaultSRTLatency
	}
	if p.dialTimeout <= 0 {
		p.dialTimeout = DefaultDialTimeout
	}
	return p, nil
}

// dialSRT connects to a remote SRT listener in caller mode. The dial is
// bounded by opts.DialTimeout and ctx; a connection that completes after
// either is closed in the background.
func dialSRT(ctx context.Context, u *url.URL, opts Options, log *slog.Logger) (*Source, error) {
	p, err := resolveCaller(u, opts)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = p.latency
	if p.streamID != "" {
		cfg.StreamID = p.streamID
	}

	log.Info("dialing", "address", p.host, "stream_id", cfg.StreamID, "latency", p.latency)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(p.host, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(p.dialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", u.Host, res.err)
		}
		log.Info("connected", "address", u.Host)
		return newSource(KindSRT, u.Host, res.conn), nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("source: SRT dial %s timed out after %s", u.Host, p.dialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

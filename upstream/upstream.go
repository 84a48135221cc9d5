// Package upstream maintains the single outbound session towards the
// Sim (or another router): connect, introduce ourselves, replay
// demands, pump lines into the from-upstream queue, and retry forever
// on failure.
package upstream

import (
	"context"
	"net"
	"time"

	"github.com/valyala/fastrand"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/rdp"
	"github.com/macroflight/frankenrouter/wire"
)

const dialTimeout = 15 * time.Second

// Connector is the upstream connector task.
type Connector struct {
	core.TaskBase
}

// New creates the connector.
func New(r *core.Router) *Connector {
	return &Connector{TaskBase: core.NewTaskBase(r, "upstream-connector")}
}

// Run dials the upstream endpoint in a loop, reading lines into the
// from-upstream queue until the link breaks, then retries after the
// reconnect delay. While disconnected the clients stay paused.
func (t *Connector) Run(ctx context.Context) error {
	r := t.R
	for {
		if ctx.Err() != nil {
			return core.ErrTaskStopped
		}

		// clients wait in their pause state while we have no upstream
		r.PauseClients()

		addr := r.UpstreamAddr()
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		var d net.Dialer
		tcp, err := d.DialContext(dctx, "tcp", addr)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return core.ErrTaskStopped
			}
			t.Warn().Err(err).Str("addr", addr).
				Dur("retry_in", r.Cfg.ReconnectDelay).
				Msg("upstream connection failed")
			if !t.sleep(ctx, r.Cfg.ReconnectDelay) {
				return core.ErrTaskStopped
			}
			continue
		}

		if err := wire.TuneKeepalive(tcp, 30*time.Second, 10*time.Second); err != nil {
			t.Debug().Err(err).Msg("keepalive tuning failed")
		}

		c := wire.NewConn(wire.KindUpstream, tcp,
			t.Logger.With().Str("conn", "upstream").Logger(),
			r.Cfg.Performance.WriteBufferWarning)

		// a configured password implies the upstream is another router
		if r.Cfg.Upstream.Password != "" {
			c.IsRouterPeer.Store(true)
		}

		r.SetUpstream(c)
		r.LogConnectEvent(c, false)
		t.Info().Str("peer", c.RemoteAddr()).Msg("connected to upstream")

		// introduce ourselves so a peer router recognizes us
		r.SendUpstream(rdp.SelfName(r.Cfg.Identity.Router, r.Cfg.Identity.Simulator))

		// replay every keyword any client has demanded
		for _, k := range r.DemandUnion() {
			r.SendUpstream("demand=" + k)
		}

		r.RequestStatus("upstream connected")

		t.pump(ctx, c)

		r.CloseUpstream()
		if ctx.Err() != nil {
			return core.ErrTaskStopped
		}
		r.PauseClients()
		if !t.sleep(ctx, r.Cfg.ReconnectDelay) {
			return core.ErrTaskStopped
		}
	}
}

// pump reads lines off the upstream socket until it breaks, the
// context is cancelled, or a reconnect is requested.
func (t *Connector) pump(ctx context.Context, c *wire.Conn) {
	// unblock the reader on cancellation or a requested reconnect
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close(true)
		case <-t.R.ReconnectUpstream:
			t.Info().Msg("upstream reconnect requested")
			c.Close(true)
		case <-done:
		}
	}()

	for {
		line, err := c.ReadLine()
		if err != nil {
			t.Info().Err(err).Msg("upstream connection closed")
			return
		}
		t.R.LogTraffic(true, "upstream", line)
		t.R.FromUpstream.Push(ctx, core.Item{Line: line, From: c, At: time.Now()})
	}
}

// sleep waits d plus a little jitter, or until cancellation.
func (t *Connector) sleep(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(fastrand.Uint32n(250)) * time.Millisecond
	select {
	case <-time.After(d + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

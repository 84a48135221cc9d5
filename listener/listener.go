// Package listener accepts inbound client sessions, runs the welcome
// replay against each new client, and pumps their lines into the
// from-clients queue.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/wire"
)

// upstreamWaitFor is how long a freshly started listener waits for the
// upstream link before serving cached data instead.
const upstreamWaitFor = 5 * time.Second

// Listener is the client listener task.
type Listener struct {
	core.TaskBase

	ln net.Listener
}

// New creates the listener.
func New(r *core.Router) *Listener {
	return &Listener{TaskBase: core.NewTaskBase(r, "client-listener")}
}

// Prepare binds the listen port.
func (t *Listener) Prepare(context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.R.Cfg.Listen.Port))
	if err != nil {
		return fmt.Errorf("client listener: %w", err)
	}
	t.ln = ln
	t.Info().Int("port", t.R.Cfg.Listen.Port).Msg("listening for clients")
	return nil
}

// Run waits briefly for upstream (fresh data beats cached data), then
// accepts clients until stopped.
func (t *Listener) Run(ctx context.Context) error {
	waitStart := time.Now()
	for t.R.Upstream() == nil {
		if time.Since(waitStart) > upstreamWaitFor {
			t.Info().Msg("gave up waiting for upstream, will serve cached data")
			break
		}
		select {
		case <-ctx.Done():
			return core.ErrTaskStopped
		case <-time.After(time.Second):
			t.Info().Msg("upstream not connected, not accepting yet...")
		}
	}

	for {
		tcp, err := t.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return core.ErrTaskStopped
			}
			t.Warn().Err(err).Msg("accept failed")
			continue
		}
		go t.handle(ctx, tcp)
	}
}

// Stop closes the listen socket, which unblocks Accept.
func (t *Listener) Stop() error {
	if t.ln != nil {
		return t.ln.Close()
	}
	return nil
}

// handle owns one client session from accept to EOF.
func (t *Listener) handle(ctx context.Context, tcp net.Conn) {
	r := t.R

	if r.ShuttingDown.Load() {
		tcp.Write([]byte("shutdown in progress\r\n"))
		tcp.Close()
		return
	}

	if err := wire.TuneKeepalive(tcp, 30*time.Second, 10*time.Second); err != nil {
		t.Debug().Err(err).Msg("keepalive tuning failed")
	}

	c := wire.NewConn(wire.KindClient, tcp,
		t.Logger.With().Str("peer", tcp.RemoteAddr().String()).Logger(),
		r.Cfg.Performance.WriteBufferWarning)
	c.ID = r.Clients.NextID()

	t.Info().Int("id", c.ID).Str("peer", c.RemoteAddr()).Msg("new client connection")

	// initial access comes from the peer IP alone
	if c.ApplyPolicy(r.Cfg.Access, "") == wire.LevelBlocked {
		t.Warn().Str("peer", c.RemoteAddr()).Msg("blocked client connected, closing")
		c.WriteLine("bye now")
		c.Close(false)
		return
	}

	r.Clients.Add(c)
	r.LogConnectEvent(c, false)
	r.RequestStatus("client connected")

	// clients with access get the welcome replay right away; the rest
	// learn their id and may only AUTH, which triggers the welcome later
	if c.HasAccess() {
		Welcome(r, c)
	} else {
		idLine := "id=" + strconv.Itoa(c.ID)
		if c.WriteLine(idLine) == nil {
			r.LogTraffic(false, strconv.Itoa(c.ID), idLine)
		}
	}

	for {
		line, err := c.ReadLine()
		if err != nil {
			t.Info().Int("id", c.ID).Err(err).Msg("client connection closed")
			r.CloseClient(c, false)
			return
		}
		r.LogTraffic(true, strconv.Itoa(c.ID), line)
		r.FromClients.Push(ctx, core.Item{Line: line, From: c, At: time.Now()})
	}
}

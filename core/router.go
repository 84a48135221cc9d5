// Package core owns the Router context: configuration, the shared
// state every task reads, and the supervisor that runs them. Tasks
// live in their own packages and receive the *Router explicitly; there
// are no package-level singletons.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/valyala/fastrand"

	"github.com/macroflight/frankenrouter/cache"
	"github.com/macroflight/frankenrouter/catalog"
	"github.com/macroflight/frankenrouter/pkg/netlog"
	"github.com/macroflight/frankenrouter/wire"
)

// graceWindow suppresses slow-path warnings and RTT samples for a
// while after upstream (re)connect, load1, bang, or a client connect.
const graceWindow = 5 * time.Second

// Router is the shared context owned by the Supervisor and passed
// explicitly to every task.
type Router struct {
	zerolog.Logger

	Ctx    context.Context
	Cancel context.CancelCauseFunc

	F   *pflag.FlagSet // global CLI flags
	K   *koanf.Koanf   // global config tree
	Cfg *Config        // validated config

	// UUID identifies this router instance in RDP gossip.
	UUID string

	Catalog *catalog.Catalog
	Cache   *cache.Cache
	Clients *wire.Registry

	FromUpstream *Queue
	FromClients  *Queue

	Shared *SharedState
	Stats  *VariableStats

	upstream         atomic.Pointer[wire.Conn]
	upstreamAddr     atomic.Pointer[string]
	UpstreamConnects atomic.Int64

	// ReconnectUpstream is pulsed by the control API to force the
	// upstream connector to drop and redial.
	ReconnectUpstream chan struct{}

	StartTime    time.Time
	ShuttingDown atomic.Bool

	// warning grace timestamps (unix nanos)
	lastLoad1         atomic.Int64
	lastLoad3         atomic.Int64
	lastBang          atomic.Int64
	lastClientConnect atomic.Int64
	upstreamConnected atomic.Int64

	// StartSentAt is when we last solicited START variables upstream.
	StartSentAt atomic.Int64

	statusReq chan string

	appLog     *netlog.Writer
	traffic    *netlog.Writer
	trafficLog zerolog.Logger
	destWidth  atomic.Int32
}

// NewRouter creates the router context with console logging and empty
// config; Configure fills the rest in.
func NewRouter() *Router {
	r := new(Router)
	r.Ctx, r.Cancel = context.WithCancelCause(context.Background())

	// default logger
	r.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	})

	r.K = koanf.New(".")
	r.F = pflag.NewFlagSet("frankenrouter", pflag.ExitOnError)
	r.addFlags()

	r.UUID = newUUID()
	r.Clients = wire.NewRegistry()
	r.Shared = NewSharedState()
	r.Stats = NewVariableStats(false)
	r.FromUpstream = NewQueue("from-upstream", 65536, false, r.Logger)
	r.FromClients = NewQueue("from-clients", 16384, true, r.Logger)
	r.ReconnectUpstream = make(chan struct{}, 1)
	r.statusReq = make(chan string, 8)
	r.StartTime = time.Now()

	return r
}

// newUUID builds a 32-hex-digit random instance id. Uniqueness across
// a handful of cooperating routers is all that is required of it.
func newUUID() string {
	const hex = "0123456789abcdef"
	var b [32]byte
	for i := range b {
		b[i] = hex[fastrand.Uint32n(16)]
	}
	return string(b[:])
}

// Run configures the router, builds the task list and runs it under
// the Supervisor until shutdown. Tasks are built only after
// configuration and logging are up so their loggers inherit the final
// output. Returns the process exit code.
func (r *Router) Run(build func(*Router) []Task) int {
	if err := r.Configure(); err != nil {
		r.Error().Err(err).Msg("configuration error")
		return 1
	}

	if err := r.openLogs(); err != nil {
		r.Error().Err(err).Msg("could not open logs")
		return 1
	}
	defer r.closeLogs()

	cat, err := catalog.Load(r.Cfg.PSX.Variables, catalog.DefaultURL)
	if err != nil {
		r.Error().Err(err).Msg("could not load variable catalog")
		return 1
	}
	r.Catalog = cat
	r.Info().Int("keywords", cat.Len()).Str("path", r.Cfg.PSX.Variables).
		Msg("variable catalog loaded")

	r.Cache = cache.New(r.Cfg.CacheFile)
	if !r.Cfg.NoCacheFile {
		if err := r.Cache.LoadFromFile(); err != nil {
			r.Warn().Err(err).Msg("starting with empty cache")
		} else {
			r.Info().Int("keywords", r.Cache.Size()).Msg("cache loaded")
		}
	}

	sup := NewSupervisor(r, build(r))
	err = sup.Run()

	// persist state on the way out
	if err2 := r.Cache.WriteToFile(); err2 != nil {
		r.Warn().Err(err2).Msg("could not persist cache")
	}

	switch {
	case err == nil, errors.Is(err, ErrTaskStopped):
		r.Info().Msg("shutdown complete")
		return 0
	default:
		r.Error().Err(err).Msg("router error")
		return 1
	}
}

// openLogs sets up the rotating application log (mirrored to the
// console) and the optional traffic log.
func (r *Router) openLogs() error {
	dir := r.Cfg.Log.Directory

	r.appLog = netlog.New(dir, "frankenrouter-"+r.Cfg.Identity.Router, false, 24*time.Hour)
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	r.Logger = zerolog.New(zerolog.MultiLevelWriter(console, r.appLog)).
		With().Timestamp().Logger()

	if r.Cfg.Log.Traffic {
		r.traffic = netlog.New(dir, r.Cfg.Identity.Router+"-traffic", true, 24*time.Hour)
		r.trafficLog = zerolog.New(r.traffic).With().Timestamp().Logger()
		r.Info().Str("file", r.traffic.Name()).Msg("logging traffic")
	}
	return nil
}

func (r *Router) closeLogs() {
	if r.traffic != nil {
		r.traffic.Close()
	}
	if r.appLog != nil {
		r.appLog.Close()
	}
}

// UpstreamAddr returns the current upstream "host:port" endpoint. The
// control API can change it at runtime.
func (r *Router) UpstreamAddr() string {
	if p := r.upstreamAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// SetUpstreamAddr changes the upstream endpoint.
func (r *Router) SetUpstreamAddr(hostport string) {
	r.upstreamAddr.Store(&hostport)
}

// Upstream returns the current upstream connection, or nil.
func (r *Router) Upstream() *wire.Conn {
	return r.upstream.Load()
}

// SetUpstream installs (or clears, with nil) the upstream connection.
func (r *Router) SetUpstream(c *wire.Conn) {
	r.upstream.Store(c)
	if c != nil {
		r.UpstreamConnects.Add(1)
		r.upstreamConnected.Store(time.Now().UnixNano())
	}
}

// CloseUpstream tears down the upstream link if present.
func (r *Router) CloseUpstream() {
	c := r.upstream.Swap(nil)
	if c == nil {
		return
	}
	c.Close(true)
	r.LogConnectEvent(c, true)
	r.Info().Str("peer", c.RemoteAddr()).Msg("closed upstream connection")
	r.RequestStatus("upstream closed")
}

// SendUpstream sends line upstream; while disconnected the send
// silently drops.
func (r *Router) SendUpstream(line string) {
	c := r.Upstream()
	if c == nil {
		r.Debug().Str("line", line).Msg("no upstream, discarding")
		return
	}
	if err := c.WriteLine(line); err == nil {
		r.LogTraffic(false, "upstream", line)
	}
}

// CloseClient removes c from the registry and tears it down.
func (r *Router) CloseClient(c *wire.Conn, clean bool) {
	if !r.Clients.Remove(c) {
		return
	}
	c.Close(clean)
	r.LogConnectEvent(c, true)
	r.Info().Int("id", c.ID).Str("peer", c.RemoteAddr()).Msg("client connection closed")
	r.RequestStatus("client closed")
}

// BroadcastOpts select the fan-out policy for one Broadcast call.
type BroadcastOpts struct {
	Exclude *wire.Conn // never send back to the sender
	Include *wire.Conn // when set, send to this client only

	NoLong          bool           // skip clients with nolong set
	StartOnly       bool           // START-window fan-out (see below)
	StartKey        string         // keyword marked in sent-sets for StartOnly
	ExcludeNameRe   *regexp.Regexp // skip clients whose display name matches
	OnlyRouterPeers bool           // send to router peers only
}

// Broadcast sends line to connected clients according to opts.
// Clients still inside their welcome only receive StartOnly traffic;
// everything else waits until the welcome has completed so a new
// client never observes broadcast data racing ahead of its welcome.
func (r *Router) Broadcast(line string, opts BroadcastOpts) {
	var sentTo []int

	r.Clients.Range(func(c *wire.Conn) bool {
		if opts.Include != nil && c != opts.Include {
			return true
		}
		if c == opts.Exclude || !c.HasAccess() || c.Closing() {
			return true
		}
		if opts.ExcludeNameRe != nil {
			if name, _ := c.DisplayName(); opts.ExcludeNameRe.MatchString(name) {
				return true
			}
		}
		if opts.OnlyRouterPeers && !c.IsRouterPeer.Load() {
			return true
		}
		if opts.NoLong && c.Nolong.Load() {
			return true
		}
		if opts.StartOnly {
			// router peers relay START variables onward, ordinary
			// clients only get them inside their awaiting-START window
			switch {
			case c.IsRouterPeer.Load():
				c.MarkSent(opts.StartKey)
			case c.AwaitingStart.Load():
				c.MarkSent(opts.StartKey)
			default:
				return true
			}
		} else if !c.WelcomeDone.Load() {
			return true
		}
		if err := c.WriteLine(line); err == nil {
			sentTo = append(sentTo, c.ID)
		}
		return true
	})

	if len(sentTo) > 0 {
		r.LogTraffic(false, compactIDs(sentTo), line)
	}
}

// PauseClients broadcasts load1 so clients enter their pause state.
// Disabled with --no-pause-clients.
func (r *Router) PauseClients() {
	if r.Cfg != nil && r.Cfg.NoPauseClients {
		return
	}
	r.Info().Msg("pausing clients")
	r.Broadcast("load1", BroadcastOpts{})
	r.MarkLoad1()
}

// DemandUnion returns the union of all clients' demand sets, the set
// replayed upstream after a reconnect.
func (r *Router) DemandUnion() []string {
	seen := make(map[string]struct{})
	r.Clients.Range(func(c *wire.Conn) bool {
		for _, k := range c.Demands() {
			seen[k] = struct{}{}
		}
		return true
	})
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarkLoad1 records a load1 for the warning grace window.
func (r *Router) MarkLoad1() { r.lastLoad1.Store(time.Now().UnixNano()) }

// MarkLoad3 records a load3; START variables within 5 s of it are
// situ-load broadcasts.
func (r *Router) MarkLoad3() { r.lastLoad3.Store(time.Now().UnixNano()) }

// MarkBang records a bang for the warning grace window.
func (r *Router) MarkBang() { r.lastBang.Store(time.Now().UnixNano()) }

// MarkClientConnect records a client connect/welcome start.
func (r *Router) MarkClientConnect() { r.lastClientConnect.Store(time.Now().UnixNano()) }

// SinceLoad3 returns the time since the last load3 (a long time when
// none was seen yet).
func (r *Router) SinceLoad3() time.Duration {
	ns := r.lastLoad3.Load()
	if ns == 0 {
		return time.Hour
	}
	return time.Since(time.Unix(0, ns))
}

// InGraceWindow reports whether slow-path warnings and RTT samples
// should be suppressed right now.
func (r *Router) InGraceWindow() bool {
	now := time.Now().UnixNano()
	for _, ts := range []int64{
		r.lastLoad1.Load(),
		r.lastBang.Load(),
		r.lastClientConnect.Load(),
		r.upstreamConnected.Load(),
	} {
		if ts != 0 && now-ts < int64(graceWindow) {
			return true
		}
	}
	return false
}

// RequestStatus asks the status task for an immediate display.
func (r *Router) RequestStatus(reason string) {
	select {
	case r.statusReq <- reason:
	default:
	}
}

// LogTraffic writes one line to the traffic log. dest is "upstream" or
// a range-compacted client id list.
func (r *Router) LogTraffic(inbound bool, dest, line string) {
	if r.traffic == nil {
		return
	}
	dir := "DATA TO  "
	if inbound {
		dir = "DATA FROM"
	}
	if w := int32(len(dest)); w > r.destWidth.Load() {
		r.destWidth.Store(w)
	}
	r.trafficLog.Info().Msgf("%s [%-*s] %s", dir, int(r.destWidth.Load()), dest, line)
}

// LogConnectEvent records a connect or disconnect in the traffic log.
func (r *Router) LogConnectEvent(c *wire.Conn, disconnect bool) {
	if r.traffic == nil {
		return
	}
	evt := "CONNECT"
	if disconnect {
		evt = "DISCONNECT"
	}
	if c.Kind == wire.KindUpstream {
		r.trafficLog.Info().Msgf("%s UPSTREAM %s", evt, c.RemoteAddr())
	} else {
		r.trafficLog.Info().Msgf("%s client %d %s", evt, c.ID, c.RemoteAddr())
	}
}

// compactIDs renders sorted client ids with ranges, e.g. "1-3,7".
func compactIDs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	sort.Ints(ids)
	var sb strings.Builder
	lo, hi := ids[0], ids[0]
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if lo == hi {
			fmt.Fprintf(&sb, "%d", lo)
		} else {
			fmt.Fprintf(&sb, "%d-%d", lo, hi)
		}
	}
	for _, id := range ids[1:] {
		if id == hi || id == hi+1 {
			hi = id
			continue
		}
		flush()
		lo, hi = id, id
	}
	flush()
	return sb.String()
}

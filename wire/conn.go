// Package wire implements the Router's framed line connections: one
// buffered bidirectional byte stream per peer, with traffic counters,
// access state and the per-link RDP bookkeeping.
package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/histogram"
)

var bbpool bytebufferpool.Pool

// Kind tells the two connection directions apart.
type Kind int

const (
	KindUpstream Kind = iota
	KindClient
)

func (k Kind) String() string {
	if k == KindUpstream {
		return "upstream"
	}
	return "client"
}

// NameSource records where a connection's display name came from, in
// increasing order of authority.
type NameSource int

const (
	NameUnknown NameSource = iota
	NameFromAccessRule
	NameFromNameMessage
	NameFromClientInfo
	NameFromIdent
)

// Prefix returns the short provenance tag used in the status display.
func (s NameSource) Prefix() string {
	switch s {
	case NameFromAccessRule:
		return "AC:"
	case NameFromNameMessage:
		return "N:"
	case NameFromClientInfo:
		return "CI:"
	case NameFromIdent:
		return "RI:"
	}
	return ""
}

// rttKeepSamples bounds the per-link RTT window.
const rttKeepSamples = 300

// ErrClosing is returned by WriteLine on a connection being torn down,
// and when its outbound queue is full.
var ErrClosing = errors.New("connection closing")

// Conn is one peer connection, upstream or client.
type Conn struct {
	zerolog.Logger

	ID   int // router-assigned client id, 0 for upstream
	Kind Kind

	tcp net.Conn
	rd  *bufio.Reader

	ConnectedAt time.Time

	BytesSent atomic.Int64
	BytesRecv atomic.Int64
	MsgsSent  atomic.Int64
	MsgsRecv  atomic.Int64

	closing atomic.Bool
	out     chan *bytebufferpool.ByteBuffer
	queued  atomic.Int64 // bytes sitting in out
	stopch  chan struct{}
	wdone   chan struct{}

	warnBytes int64 // outbound buffer high-water mark

	// identity, guarded by mu
	mu          sync.Mutex
	displayName string
	nameSource  NameSource
	providedID  string
	simName     string
	routerName  string
	uuid        string
	access      Level
	ruleName    string

	IsRouterPeer atomic.Bool
	Nolong       atomic.Bool

	// true once the RDP scheduler has sent IDENT / AUTH on this link
	IdentSent atomic.Bool
	AuthSent  atomic.Bool

	// RDP ping state, guarded by pingMu
	pingMu     sync.Mutex
	pingID     string
	pingSentAt time.Time
	rtts       []float64
	rttHist    *histogram.Fast

	// demand= keywords this client has issued, guarded by demandMu
	demandMu sync.Mutex
	demands  map[string]struct{}

	// welcome progress, guarded by welcomeMu
	welcomeMu     sync.Mutex
	sentKeys      map[string]struct{}
	AwaitingStart atomic.Bool
	WelcomeDone   atomic.Bool
}

// outCap is the per-connection outbound queue depth. Client
// connections get a deeper queue to absorb the welcome burst.
func outCap(kind Kind) int {
	if kind == KindClient {
		return 16384
	}
	return 4096
}

// NewConn wraps tcp. warnBytes is the outbound buffer size above which
// writes log a warning. The writer goroutine runs until Close.
func NewConn(kind Kind, tcp net.Conn, log zerolog.Logger, warnBytes int64) *Conn {
	c := &Conn{
		Logger:      log,
		Kind:        kind,
		tcp:         tcp,
		rd:          bufio.NewReaderSize(tcp, 64*1024),
		ConnectedAt: time.Now(),
		out:         make(chan *bytebufferpool.ByteBuffer, outCap(kind)),
		stopch:      make(chan struct{}),
		wdone:       make(chan struct{}),
		warnBytes:   warnBytes,
		rttHist:     histogram.NewFast(),
		demands:     make(map[string]struct{}),
		sentKeys:    make(map[string]struct{}),
	}
	if kind == KindClient {
		c.displayName = "unknown client"
	} else {
		c.displayName = "unknown connection"
	}
	go c.writer()
	return c
}

// writer drains the outbound queue onto the socket.
func (c *Conn) writer() {
	defer close(c.wdone)
	for {
		select {
		case bb := <-c.out:
			n, err := c.tcp.Write(bb.B)
			if err == nil {
				c.BytesSent.Add(int64(n))
				c.MsgsSent.Add(1)
			}
			c.queued.Add(-int64(len(bb.B)))
			bbpool.Put(bb)
			if err != nil {
				c.Debug().Err(err).Msg("write failed, stopping writer")
				c.closing.Store(true)
				return
			}
		case <-c.stopch:
			return
		}
	}
}

// WriteLine queues line for sending, appending the protocol
// terminator. When the queue is full the line is dropped with a
// warning rather than blocking the forwarder on one slow peer.
func (c *Conn) WriteLine(line string) error {
	if c.closing.Load() {
		return ErrClosing
	}

	bb := bbpool.Get()
	bb.B = append(bb.B, line...)
	bb.B = append(bb.B, '\r', '\n')

	if q := c.queued.Add(int64(len(bb.B))); c.warnBytes > 0 && q > c.warnBytes {
		c.Warn().Int64("queued", q).Int64("limit", c.warnBytes).
			Msg("write buffer above high-water mark")
	}

	select {
	case c.out <- bb:
		return nil
	default:
		c.queued.Add(-int64(len(bb.B)))
		bbpool.Put(bb)
		c.Warn().Str("line", line).Msg("outbound queue full, dropping line")
		return ErrClosing
	}
}

// Flush waits until the outbound queue has drained, or up to a second.
// Used by the welcome replay where ordering against the pause matters.
func (c *Conn) Flush() {
	deadline := time.Now().Add(time.Second)
	for c.queued.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// ReadLine reads one protocol line, stripping the terminator and
// counting traffic. A partial line at EOF is discarded per protocol
// and io.EOF is returned.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		if len(line) > 0 {
			c.Warn().Str("data", line).Msg("discarding partial line at EOF")
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	c.BytesRecv.Add(int64(len(line)))
	c.MsgsRecv.Add(1)
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// Closing reports whether Close has begun.
func (c *Conn) Closing() bool { return c.closing.Load() }

// Close tears the connection down. When clean, the protocol goodbye is
// sent first and the outbound queue is given a moment to drain.
func (c *Conn) Close(clean bool) {
	if c.closing.Swap(true) {
		return
	}
	if clean {
		deadline := time.Now().Add(250 * time.Millisecond)
		for c.queued.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		c.tcp.SetWriteDeadline(time.Now().Add(250 * time.Millisecond))
		c.tcp.Write([]byte("exit\r\n"))
	}
	close(c.stopch)
	c.tcp.Close()
	<-c.wdone
}

// RemoteAddr returns the peer "ip:port" string keying the registry.
func (c *Conn) RemoteAddr() string { return c.tcp.RemoteAddr().String() }

// RemoteIP returns the peer address, or the zero Addr if unparsable.
func (c *Conn) RemoteIP() netip.Addr {
	ap, err := netip.ParseAddrPort(c.tcp.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// RemotePort returns the peer TCP port.
func (c *Conn) RemotePort() uint16 {
	ap, err := netip.ParseAddrPort(c.tcp.RemoteAddr().String())
	if err != nil {
		return 0
	}
	return ap.Port()
}

// DisplayName returns the current display name and its provenance.
func (c *Conn) DisplayName() (string, NameSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName, c.nameSource
}

// SetDisplayName updates the display name and records where it came from.
func (c *Conn) SetDisplayName(name string, src NameSource) {
	c.mu.Lock()
	c.displayName = name
	c.nameSource = src
	c.mu.Unlock()
}

// ProvidedID returns the id half of a client's name=<id>:<display>.
func (c *Conn) ProvidedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providedID
}

// SetProvidedID stores the id half of a client's name=<id>:<display>.
func (c *Conn) SetProvidedID(id string) {
	c.mu.Lock()
	c.providedID = id
	c.mu.Unlock()
}

// Identity returns the peer's simulator name, router name and uuid as
// learned from RDP IDENT.
func (c *Conn) Identity() (sim, router, uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simName, c.routerName, c.uuid
}

// SetIdentity stores the peer identity learned from RDP IDENT.
func (c *Conn) SetIdentity(sim, router, uuid string) {
	c.mu.Lock()
	c.simName = sim
	c.routerName = router
	c.uuid = uuid
	c.mu.Unlock()
}

// Access returns the connection's access level.
func (c *Conn) Access() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// SetAccess stores the access level and the name of the granting rule.
func (c *Conn) SetAccess(l Level, ruleName string) {
	c.mu.Lock()
	c.access = l
	c.ruleName = ruleName
	c.mu.Unlock()
}

// HasAccess reports whether the connection may receive broadcasts.
func (c *Conn) HasAccess() bool {
	l := c.Access()
	return l == LevelFull || l == LevelObserver
}

// CanWrite reports whether the connection's messages are forwarded.
// Upstream always writes; clients need the full level.
func (c *Conn) CanWrite() bool {
	if c.Kind == KindUpstream {
		return true
	}
	return c.Access() == LevelFull
}

// ApplyPolicy computes the access level from the policy and stores it.
// Returns the granted level.
func (c *Conn) ApplyPolicy(p Policy, password string) Level {
	rule := p.Evaluate(c.RemoteIP(), password)
	if rule == nil {
		c.SetAccess(LevelNoAccess, "")
		c.SetDisplayName("auth pending", NameUnknown)
		return LevelNoAccess
	}
	c.SetAccess(rule.Level, rule.DisplayName)
	c.SetDisplayName(rule.DisplayName, NameFromAccessRule)
	if rule.IsRouterPeer {
		c.IsRouterPeer.Store(true)
	}
	return rule.Level
}

// AddDemand records a demand= keyword from this client.
func (c *Conn) AddDemand(k string) {
	c.demandMu.Lock()
	c.demands[k] = struct{}{}
	c.demandMu.Unlock()
}

// Demands returns the keywords this client has demanded.
func (c *Conn) Demands() []string {
	c.demandMu.Lock()
	defer c.demandMu.Unlock()
	out := make([]string, 0, len(c.demands))
	for k := range c.demands {
		out = append(out, k)
	}
	return out
}

// SetPing records an outgoing PING request id and its send time.
func (c *Conn) SetPing(id string) {
	c.pingMu.Lock()
	c.pingID = id
	c.pingSentAt = time.Now()
	c.pingMu.Unlock()
}

// Ping returns the last PING request id and when it was sent.
func (c *Conn) Ping() (string, time.Time) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.pingID, c.pingSentAt
}

// AddRTT appends an RTT sample, keeping the window bounded.
func (c *Conn) AddRTT(seconds float64) {
	c.pingMu.Lock()
	c.rtts = append(c.rtts, seconds)
	if len(c.rtts) > rttKeepSamples {
		c.rtts = c.rtts[len(c.rtts)-rttKeepSamples:]
	}
	c.rttHist.Update(seconds)
	c.pingMu.Unlock()
}

// RTTStats returns the sample count plus the median and maximum RTT in
// milliseconds over the kept window.
func (c *Conn) RTTStats() (n int, medianMs, maxMs float64) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	n = len(c.rtts)
	if n == 0 {
		return 0, 0, 0
	}
	h := histogram.NewFast()
	for _, v := range c.rtts {
		h.Update(v)
		if v*1000 > maxMs {
			maxMs = v * 1000
		}
	}
	medianMs = h.Quantile(0.5) * 1000
	return n, medianMs, maxMs
}

// MarkSent records k in the welcome sent-set. Reports whether it was
// newly added.
func (c *Conn) MarkSent(k string) bool {
	c.welcomeMu.Lock()
	defer c.welcomeMu.Unlock()
	if _, ok := c.sentKeys[k]; ok {
		return false
	}
	c.sentKeys[k] = struct{}{}
	return true
}

// WasSent reports whether k is in the welcome sent-set.
func (c *Conn) WasSent(k string) bool {
	c.welcomeMu.Lock()
	defer c.welcomeMu.Unlock()
	_, ok := c.sentKeys[k]
	return ok
}

// SentCount returns the size of the welcome sent-set.
func (c *Conn) SentCount() int {
	c.welcomeMu.Lock()
	defer c.welcomeMu.Unlock()
	return len(c.sentKeys)
}

// ClearSent discards the welcome sent-set once the welcome completes.
func (c *Conn) ClearSent() {
	c.welcomeMu.Lock()
	c.sentKeys = make(map[string]struct{})
	c.welcomeMu.Unlock()
}

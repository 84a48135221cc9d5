package forward

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macroflight/frankenrouter/cache"
	"github.com/macroflight/frankenrouter/catalog"
	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/rules"
	"github.com/macroflight/frankenrouter/wire"
)

type addrConn struct {
	net.Conn
	port int
}

func (a addrConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.port}
}

var nextTestPort = 50000

func testRouter(t *testing.T) *core.Router {
	t.Helper()
	r := core.NewRouter()
	r.Logger = zerolog.Nop()
	r.Cfg = &core.Config{}
	r.Cfg.Identity.Simulator = "TestSim"
	r.Cfg.Identity.Router = "router1"
	r.Cfg.Access = wire.DefaultPolicy()
	r.Cfg.Performance.QueueTimeWarning = time.Second
	r.Cfg.Performance.TotalDelayWarning = time.Second
	r.Cfg.Performance.RTTWarning = time.Second
	r.Cache = cache.New("")

	cat, err := catalog.Parse(strings.NewReader(`
Qi0="CfgA"; Mode=ECON; Min=0; Max=99;
Qs411="CduRteCa"; Mode=ECON; Min=15; Max=50000;
`))
	require.NoError(t, err)
	r.Catalog = cat
	return r
}

func newPeer(t *testing.T, r *core.Router, kind wire.Kind) (*wire.Conn, <-chan string) {
	t.Helper()
	a, b := net.Pipe()
	nextTestPort++
	c := wire.NewConn(kind, addrConn{a, nextTestPort}, zerolog.Nop(), 0)
	if kind == wire.KindClient {
		c.ID = r.Clients.NextID()
		c.SetAccess(wire.LevelFull, "test")
		c.WelcomeDone.Store(true)
		r.Clients.Add(c)
	} else {
		r.SetUpstream(c)
	}

	lines := make(chan string, 256)
	go func() {
		sc := bufio.NewScanner(b)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	t.Cleanup(func() {
		c.Close(false)
		b.Close()
	})
	return c, lines
}

func startForwarders(t *testing.T, r *core.Router) {
	t.Helper()
	engine := rules.New(r)
	fu := New(r, "forward-upstream", r.FromUpstream, engine)
	fc := New(r, "forward-clients", r.FromClients, engine)

	ctx, cancel := context.WithCancel(context.Background())
	go fu.Run(ctx)
	go fc.Run(ctx)
	t.Cleanup(cancel)
}

func expectLine(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func expectNothing(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected line %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func push(r *core.Router, q *core.Queue, from *wire.Conn, line string) {
	q.Push(context.Background(), core.Item{Line: line, From: from, At: time.Now()})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNolongScenario(t *testing.T) {
	r := testRouter(t)
	up, _ := newPeer(t, r, wire.KindUpstream)
	a, aLines := newPeer(t, r, wire.KindClient)
	_, bLines := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	// client a opts out of long strings
	push(r, r.FromClients, a, "nolong")
	waitFor(t, func() bool { return a.Nolong.Load() })

	// upstream pushes a NOLONG keyword: only b observes it
	push(r, r.FromUpstream, up, "Qs411=longstring")
	expectLine(t, bLines, "Qs411=longstring")
	expectNothing(t, aLines)

	// a second nolong restores delivery
	push(r, r.FromClients, a, "nolong")
	waitFor(t, func() bool { return !a.Nolong.Load() })
	push(r, r.FromUpstream, up, "Qs411=other")
	expectLine(t, bLines, "Qs411=other")
	expectLine(t, aLines, "Qs411=other")

	// both updates reached the cache
	v, err := r.Cache.GetString("Qs411")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestClientTrafficReachesUpstreamAndOthers(t *testing.T) {
	r := testRouter(t)
	_, upLines := newPeer(t, r, wire.KindUpstream)
	a, aLines := newPeer(t, r, wire.KindClient)
	_, bLines := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	push(r, r.FromClients, a, "Qi0=42")
	expectLine(t, upLines, "Qi0=42")
	expectLine(t, bLines, "Qi0=42")
	expectNothing(t, aLines)
}

func TestUpstreamOnlyVerb(t *testing.T) {
	r := testRouter(t)
	_, upLines := newPeer(t, r, wire.KindUpstream)
	a, _ := newPeer(t, r, wire.KindClient)
	_, bLines := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	push(r, r.FromClients, a, "again")
	expectLine(t, upLines, "again")
	expectNothing(t, bLines)
}

func TestExitClosesClient(t *testing.T) {
	r := testRouter(t)
	newPeer(t, r, wire.KindUpstream)
	a, _ := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	push(r, r.FromClients, a, "exit")

	deadline := time.Now().Add(time.Second)
	for r.Clients.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, r.Clients.Len())
	assert.True(t, a.Closing())
}

func TestBangAnsweredFromCache(t *testing.T) {
	r := testRouter(t)
	_, upLines := newPeer(t, r, wire.KindUpstream)
	require.NoError(t, r.Cache.Update("Qi0", 7))
	require.NoError(t, r.Cache.Update("Qs411", "route"))
	a, aLines := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	push(r, r.FromClients, a, "bang")
	expectLine(t, aLines, "Qi0=7")
	expectLine(t, aLines, "Qs411=route")
	// the bang itself is not forwarded
	expectNothing(t, upLines)
}

func TestPingAnsweredWithPong(t *testing.T) {
	r := testRouter(t)
	newPeer(t, r, wire.KindUpstream)
	a, aLines := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	push(r, r.FromClients, a, "addon=FRANKENROUTER:1:PING:req1")
	expectLine(t, aLines, "addon=FRANKENROUTER:1:PONG:req1")
	assert.True(t, a.IsRouterPeer.Load())
}

func TestVersionMismatchDisconnects(t *testing.T) {
	r := testRouter(t)
	newPeer(t, r, wire.KindUpstream)
	a, _ := newPeer(t, r, wire.KindClient)
	startForwarders(t, r)

	push(r, r.FromClients, a, "addon=FRANKENROUTER:2:PING:req1")

	deadline := time.Now().Add(time.Second)
	for !a.Closing() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, a.Closing())
}

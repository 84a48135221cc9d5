package listener

import (
	"bufio"
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
	"github.com/macroflight/frankenrouter/wire"
)

func welcomeRouter(t *testing.T) *core.Router {
	t.Helper()
	r := core.NewRouter()
	r.Cfg = &core.Config{}
	r.Cfg.Identity.Simulator = "TestSim"
	r.Cfg.Identity.Router = "router1"
	r.Cache = cache.New("")

	cat, err := catalog.Parse(strings.NewReader(`
Qi0="CfgA"; Mode=ECON; Min=0; Max=99;
Qs10="CfgB"; Mode=ECON; Min=0; Max=99;
`))
	require.NoError(t, err)
	r.Catalog = cat
	return r
}

// runWelcome drives the welcome against a pipe and returns every line
// the client observed.
func runWelcome(t *testing.T, r *core.Router) []string {
	t.Helper()
	a, b := net.Pipe()
	c := wire.NewConn(wire.KindClient, a, zerolog.Nop(), 0)
	c.ID = 1
	c.SetAccess(wire.LevelFull, "test")

	lines := make(chan string, 256)
	go func() {
		sc := bufio.NewScanner(b)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	Welcome(r, c)
	require.True(t, c.WelcomeDone.Load())

	c.Close(false)
	b.Close()

	var out []string
	deadline := time.After(time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return out
			}
			out = append(out, line)
		case <-deadline:
			return out
		}
	}
}

func TestWelcomeColdStart(t *testing.T) {
	// no upstream, empty cache: the client gets an id, synthesized
	// version and layout, and the three loads, nothing else but our
	// self-identification
	r := welcomeRouter(t)
	lines := runWelcome(t, r)

	require.GreaterOrEqual(t, len(lines), 6)
	assert.Equal(t, []string{
		"id=1",
		"version=" + DefaultVersion,
		"layout=1",
		"load1",
		"load2",
		"load3",
	}, lines[:6])

	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[6], "name=router1:"))
}

func TestWelcomeWarmStart(t *testing.T) {
	r := welcomeRouter(t)
	for k, v := range map[string]any{
		"Ls0":     "foo",
		"Li5":     7,
		"Qi0":     10,
		"Qs10":    "a;b;c",
		"version": "10.182 NG",
		"layout":  1,
		"metar":   "KORD 12Z",
	} {
		require.NoError(t, r.Cache.Update(k, v))
	}

	lines := runWelcome(t, r)

	expectOrdered(t, lines, []string{
		"id=1",
		"version=10.182 NG",
		"layout=1",
		"Ls0=foo",
		"Li5=7",
		"load1",
		"Qi0=10",
		"load2",
		"Qs10=a;b;c",
		"load3",
		"metar=KORD 12Z",
	})

	// nothing is sent twice during the welcome
	seen := make(map[string]int)
	for _, l := range lines {
		seen[l]++
		assert.LessOrEqual(t, seen[l], 1, l)
	}
}

// expectOrdered asserts want appears in lines as an ordered
// subsequence.
func expectOrdered(t *testing.T, lines, want []string) {
	t.Helper()
	i := 0
	for _, line := range lines {
		if i < len(want) && line == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "missing %q in ordered output %v", want[i:], lines)
}

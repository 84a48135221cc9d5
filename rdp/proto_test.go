package rdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFormat(t *testing.T) {
	assert.Equal(t, "addon=FRANKENROUTER:1:PING:abc", Ping("abc"))
	assert.Equal(t, "addon=FRANKENROUTER:1:PONG:abc", Pong("abc"))
	assert.Equal(t, "addon=FRANKENROUTER:1:IDENT:SimA:router1:u-1",
		Ident("SimA", "router1", "u-1"))
	assert.Equal(t, "addon=FRANKENROUTER:1:AUTH:secret", Auth("secret"))
	assert.Equal(t, "addon=FRANKENROUTER:1:FLIGHTCONTROLS:NO_CONTROL_LOCKS",
		FlightControls("NO_CONTROL_LOCKS"))
}

func TestSplitVersion(t *testing.T) {
	v, rest := SplitVersion("1:PING:abc")
	assert.Equal(t, 1, v)
	assert.Equal(t, "PING:abc", rest)

	// peers predating the version field
	v, rest = SplitVersion("PING:abc")
	assert.Equal(t, 0, v)
	assert.Equal(t, "PING:abc", rest)
}

func TestSplitVerb(t *testing.T) {
	verb, payload := SplitVerb("PONG:abc")
	assert.Equal(t, "PONG", verb)
	assert.Equal(t, "abc", payload)

	verb, payload = SplitVerb("MY_CONTROLS")
	assert.Equal(t, "MY_CONTROLS", verb)
	assert.Equal(t, "", payload)
}

func TestSelfNameRoundTrip(t *testing.T) {
	// our own self-identification must be recognizable by a peer
	line := SelfName("router1", "SimA")
	_, value, ok := splitKV(line)
	require.True(t, ok)
	assert.True(t, NameRe.MatchString(value))

	// and the python implementation's form is recognized too
	assert.True(t, NameRe.MatchString("r2:FRANKEN.PY frankenrouter PSX router r2 in SimB"))
	assert.False(t, NameRe.MatchString("VPLG:vPilot Plugin"))
}

func splitKV(line string) (key, value string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return line, "", false
}

func TestClientInfo(t *testing.T) {
	ci, err := ParseClientInfo([]byte(`{"laddr":"127.0.0.1","lport":12345,"name":"PSX Sounds"}`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ci.LAddr)
	assert.Equal(t, 12345, ci.LPort)
	assert.Equal(t, "PSX Sounds", ci.Name)

	_, err = ParseClientInfo([]byte(`{"lport":1}`))
	assert.Error(t, err)

	_, err = ParseClientInfo([]byte(`not json`))
	assert.Error(t, err)
}

func TestSharedInfoRoundTrip(t *testing.T) {
	line := SharedInfo("uuid-1", "SimA")
	_, rest := SplitVersion(line[len("addon=FRANKENROUTER:"):])
	verb, payload := SplitVerb(rest)
	require.Equal(t, VerbSharedInfo, verb)

	mu, err := PeekMasterUUID([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", mu)

	pf, ok := PeekPilotFlying([]byte(payload))
	require.True(t, ok)
	assert.Equal(t, "SimA", pf)
}

func TestRouterInfoRoundTrip(t *testing.T) {
	line := RouterInfo("uuid-2", "router1", "SimA", 3, "10.0.0.1:10747")
	_, rest := SplitVersion(line[len("addon=FRANKENROUTER:"):])
	verb, payload := SplitVerb(rest)
	require.Equal(t, VerbRouterInfo, verb)

	uuid, err := PeekUUID([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "uuid-2", uuid)
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

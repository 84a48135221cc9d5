package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestPolicyFirstMatchWins(t *testing.T) {
	p := Policy{
		{DisplayName: "cdupad", Networks: []netip.Prefix{mustPrefix(t, "192.168.42.8/32")}, Level: LevelFull},
		{DisplayName: "lan", Networks: []netip.Prefix{mustPrefix(t, "192.168.42.0/24")}, Level: LevelObserver},
	}

	r := p.Evaluate(netip.MustParseAddr("192.168.42.8"), "")
	require.NotNil(t, r)
	assert.Equal(t, "cdupad", r.DisplayName)
	assert.Equal(t, LevelFull, r.Level)

	r = p.Evaluate(netip.MustParseAddr("192.168.42.9"), "")
	require.NotNil(t, r)
	assert.Equal(t, "lan", r.DisplayName)

	assert.Nil(t, p.Evaluate(netip.MustParseAddr("10.0.0.1"), ""))
}

func TestPolicyPasswordOnly(t *testing.T) {
	p := Policy{
		{DisplayName: "remote", Password: "secret", Level: LevelFull},
	}

	// IP never matters for a password-only rule
	assert.Nil(t, p.Evaluate(netip.MustParseAddr("10.0.0.1"), ""))
	assert.Nil(t, p.Evaluate(netip.MustParseAddr("10.0.0.1"), "wrong"))

	r := p.Evaluate(netip.MustParseAddr("10.0.0.1"), "secret")
	require.NotNil(t, r)
	assert.Equal(t, LevelFull, r.Level)
}

func TestPolicyBothRequired(t *testing.T) {
	p := Policy{
		{
			DisplayName: "vpn",
			Networks:    []netip.Prefix{mustPrefix(t, "10.8.0.0/24")},
			Password:    "secret",
			Level:       LevelFull,
		},
	}

	assert.Nil(t, p.Evaluate(netip.MustParseAddr("10.8.0.5"), ""))
	assert.Nil(t, p.Evaluate(netip.MustParseAddr("1.2.3.4"), "secret"))
	assert.NotNil(t, p.Evaluate(netip.MustParseAddr("10.8.0.5"), "secret"))
}

func TestEmptyPasswordNeverGrants(t *testing.T) {
	// a rule with an empty password is IP-only by construction; make
	// sure an empty client password cannot satisfy a password rule
	p := Policy{
		{DisplayName: "pw", Password: "secret", Level: LevelFull},
	}
	assert.Nil(t, p.Evaluate(netip.MustParseAddr("127.0.0.1"), ""))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.Len(t, p, 1)
	r := p.Evaluate(netip.MustParseAddr("203.0.113.7"), "")
	require.NotNil(t, r)
	assert.Equal(t, LevelFull, r.Level)
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"full": LevelFull, "observer": LevelObserver, "blocked": LevelBlocked,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("noaccess")
	assert.Error(t, err)
}

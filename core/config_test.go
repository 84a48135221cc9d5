package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macroflight/frankenrouter/wire"
)

const goodConfig = `
[identity]
simulator = 'SampleSim'
router = 'somerouter1'

[listen]
port = 10747
rest_api_port = 8080

[upstream]
host = '127.0.0.1'
port = 20747
password = 'hunter2'

[log]
traffic = true
directory = '.'

[psx]
variables = 'Variables.txt'
filter_flight_controls = true

[filtering]
tiller = true
tiller_smallest_movement = 25
tiller_center = 150

[performance]
queue_time_warning = 0.020
frdp_rtt_warning = 0.2

[sharedinfo]
master = true

[[access]]
display_name = 'CDUPAD'
match_ipv4 = [ '192.168.42.8/32' ]
level = 'full'

[[access]]
display_name = 'Any local client'
match_ipv4 = [ '127.0.0.1/32', '192.168.42.0/24' ]
level = 'full'

[[access]]
display_name = 'RemoteSim'
match_password = 'secret'
is_router_peer = true
level = 'observer'

[[check]]
type = 'name_regexp'
regexp = '.*PSX .*'
limit_min = 5
limit_max = 5

[[check]]
type = 'is_router_peer'
limit_max = 2
`

func loadKoanf(t *testing.T, data string) *koanf.Koanf {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frankenrouter.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	k := koanf.New(".")
	require.NoError(t, k.Load(file.Provider(path), toml.Parser()))
	return k
}

func TestBuildConfig(t *testing.T) {
	cfg, err := buildConfig(loadKoanf(t, goodConfig))
	require.NoError(t, err)

	assert.Equal(t, "SampleSim", cfg.Identity.Simulator)
	assert.Equal(t, "somerouter1", cfg.Identity.Router)
	assert.Equal(t, 10747, cfg.Listen.Port)
	assert.Equal(t, 8080, cfg.Listen.RestAPIPort)
	assert.Equal(t, "127.0.0.1", cfg.Upstream.Host)
	assert.Equal(t, 20747, cfg.Upstream.Port)
	assert.Equal(t, "hunter2", cfg.Upstream.Password)
	assert.True(t, cfg.Log.Traffic)
	assert.True(t, cfg.PSX.FilterFlightControls)
	assert.False(t, cfg.PSX.FilterElevation)
	assert.True(t, cfg.Filtering.Tiller)
	assert.Equal(t, 25, cfg.Filtering.TillerSmallestMovement)

	// float seconds become durations; unset keys keep defaults
	assert.Equal(t, 20*time.Millisecond, cfg.Performance.QueueTimeWarning)
	assert.Equal(t, 200*time.Millisecond, cfg.Performance.RTTWarning)
	assert.Equal(t, 24*time.Millisecond, cfg.Performance.TotalDelayWarning)
	assert.Equal(t, int64(100000), cfg.Performance.WriteBufferWarning)

	assert.True(t, cfg.SharedInfo.Master)
	assert.Equal(t, "frankenrouter-somerouter1.cache.json", cfg.CacheFile)

	require.Len(t, cfg.Access, 3)
	assert.Equal(t, "CDUPAD", cfg.Access[0].DisplayName)
	assert.Equal(t, wire.LevelFull, cfg.Access[0].Level)
	assert.Equal(t, "secret", cfg.Access[2].Password)
	assert.True(t, cfg.Access[2].IsRouterPeer)
	assert.Equal(t, wire.LevelObserver, cfg.Access[2].Level)

	require.Len(t, cfg.Checks, 2)
	assert.Equal(t, "name_regexp", cfg.Checks[0].Type)
	assert.True(t, cfg.Checks[0].Re.MatchString("PSX Sounds"))
	assert.True(t, cfg.Checks[0].HasMin)
	assert.Equal(t, 5, cfg.Checks[0].LimitMin)
	assert.Equal(t, "is_router_peer", cfg.Checks[1].Type)
	assert.False(t, cfg.Checks[1].HasMin)
	assert.True(t, cfg.Checks[1].HasMax)
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg, err := buildConfig(loadKoanf(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 10748, cfg.Listen.Port)
	assert.Equal(t, 0, cfg.Listen.RestAPIPort)
	assert.Equal(t, "127.0.0.1", cfg.Upstream.Host)
	assert.Equal(t, 10747, cfg.Upstream.Port)
	assert.Equal(t, 16*time.Millisecond, cfg.Performance.QueueTimeWarning)

	// no [[access]] section: single implicit full-access-for-ANY rule
	require.Len(t, cfg.Access, 1)
	assert.True(t, cfg.Access[0].Any)
	assert.Equal(t, wire.LevelFull, cfg.Access[0].Level)
}

func TestBuildConfigErrors(t *testing.T) {
	for name, data := range map[string]string{
		"bad level": `
[[access]]
display_name = 'x'
match_ipv4 = [ 'ANY' ]
level = 'superuser'
`,
		"no matcher": `
[[access]]
display_name = 'x'
level = 'full'
`,
		"empty password": `
[[access]]
display_name = 'x'
match_password = ''
level = 'full'
`,
		"bad network": `
[[access]]
display_name = 'x'
match_ipv4 = [ 'not-a-network' ]
level = 'full'
`,
		"bad check type": `
[[check]]
type = 'whatever'
`,
		"bad log dir": `
[log]
directory = '/nonexistent-dir-for-test'
`,
	} {
		_, err := buildConfig(loadKoanf(t, data))
		assert.Error(t, err, name)
	}
}

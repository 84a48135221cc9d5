package core

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/macroflight/frankenrouter/wire"
)

// Config is the validated router configuration: the TOML file merged
// with CLI overrides.
type Config struct {
	Identity struct {
		Simulator string
		Router    string
	}
	Listen struct {
		Port        int
		RestAPIPort int // 0 disables the control API
	}
	Upstream struct {
		Host        string
		Port        int
		Password    string
		Interactive bool
	}
	Log struct {
		Traffic   bool
		Directory string
	}
	PSX struct {
		Variables            string
		FilterFlightControls bool
		FilterElevation      bool
		FilterTraffic        bool
	}
	Filtering struct {
		Tiller                 bool
		TillerSmallestMovement int
		TillerCenter           int
	}
	Performance struct {
		WriteBufferWarning  int64
		QueueTimeWarning    time.Duration
		TotalDelayWarning   time.Duration
		MonitorDelayWarning time.Duration
		RTTWarning          time.Duration
	}
	SharedInfo struct {
		Master bool
	}
	Kafka struct {
		Brokers []string
		Topic   string
		Group   string
	}

	Access wire.Policy
	Checks []Check

	// CLI-only settings
	CacheFile            string
	NoCacheFile          bool
	NoPauseClients       bool
	ReconnectDelay       time.Duration
	StatusInterval       time.Duration
	HousekeepingInterval time.Duration
}

// Check is one [[check]] warning predicate evaluated by the status
// display.
type Check struct {
	Type     string // "is_router_peer" or "name_regexp"
	Re       *regexp.Regexp
	LimitMin int
	LimitMax int
	HasMin   bool
	HasMax   bool
}

func (r *Router) addFlags() {
	f := r.F
	f.SortFlags = false
	f.StringP("config-file", "f", "frankenrouter.toml", "the router config file")
	f.StringP("log", "l", "info", "log level (debug/info/warn/error/disabled)")
	f.String("state-cache-file", "AUTO", "cache file path (AUTO derives it from the router identity)")
	f.Bool("no-state-cache-file", false, "do not read cached state on startup")
	f.Bool("no-pause-clients", false, "never broadcast load1 to pause clients")
	f.Bool("interactive", false, "prompt for upstream host/port/password at startup")
	f.Duration("upstream-reconnect-delay", time.Second, "wait between upstream connection attempts")
	f.Duration("status-interval", 10*time.Second, "how often to print router status")
	f.Duration("housekeeping-interval", 30*time.Second, "how often to run housekeeping")
	f.Bool("log-traffic", false, "override the config file traffic logging setting")
	f.String("log-directory", "", "override the config file log directory")
	f.Bool("enable-variable-stats", false, "collect per-keyword reception stats (experimental)")
}

// Configure parses CLI flags, loads the TOML config (or runs the
// interactive first-run when it is absent), and validates everything.
// Any error here is fatal at startup.
func (r *Router) Configure() error {
	if err := r.F.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	r.K.Load(posflag.Provider(r.F, ".", r.K), nil)

	if ll := r.K.String("log"); len(ll) > 0 {
		lvl, err := zerolog.ParseLevel(ll)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		zerolog.SetGlobalLevel(lvl)
	}

	cfgPath := r.K.String("config-file")
	if _, err := os.Stat(cfgPath); err == nil {
		if err := r.K.Load(file.Provider(cfgPath), toml.Parser()); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, cfgPath, err)
		}
	} else {
		r.Info().Str("path", cfgPath).Msg("no config file, starting first-run setup")
		if err := r.firstRun(); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	cfg, err := buildConfig(r.K)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	// CLI overrides for the log section
	if r.F.Changed("log-traffic") {
		cfg.Log.Traffic = r.K.Bool("log-traffic")
	}
	if dir := r.K.String("log-directory"); dir != "" {
		cfg.Log.Directory = dir
	}
	if r.F.Changed("interactive") {
		cfg.Upstream.Interactive = true
	}

	if cfg.Upstream.Interactive {
		if err := promptUpstream(cfg); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	r.Cfg = cfg
	r.Stats = NewVariableStats(r.K.Bool("enable-variable-stats"))
	r.Shared.SetMaster(cfg.SharedInfo.Master)
	r.SetUpstreamAddr(fmt.Sprintf("%s:%d", cfg.Upstream.Host, cfg.Upstream.Port))
	return nil
}

// buildConfig turns the koanf tree into a validated Config.
func buildConfig(k *koanf.Koanf) (*Config, error) {
	cfg := new(Config)

	cfg.Identity.Simulator = kStr(k, "identity.simulator", "Unknown Sim")
	cfg.Identity.Router = kStr(k, "identity.router", "Unknown Router")

	cfg.Listen.Port = kInt(k, "listen.port", 10748)
	cfg.Listen.RestAPIPort = kInt(k, "listen.rest_api_port", 0)

	cfg.Upstream.Host = kStr(k, "upstream.host", "127.0.0.1")
	cfg.Upstream.Port = kInt(k, "upstream.port", 10747)
	cfg.Upstream.Password = kStr(k, "upstream.password", "")
	cfg.Upstream.Interactive = k.Bool("upstream.interactive")

	cfg.Log.Traffic = k.Bool("log.traffic")
	cfg.Log.Directory = kStr(k, "log.directory", ".")
	if st, err := os.Stat(cfg.Log.Directory); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("log directory %s does not exist", cfg.Log.Directory)
	}

	cfg.PSX.Variables = kStr(k, "psx.variables", "Variables.txt")
	cfg.PSX.FilterFlightControls = k.Bool("psx.filter_flight_controls")
	cfg.PSX.FilterElevation = k.Bool("psx.filter_elevation")
	cfg.PSX.FilterTraffic = k.Bool("psx.filter_traffic")

	cfg.Filtering.Tiller = k.Bool("filtering.tiller")
	cfg.Filtering.TillerSmallestMovement = kInt(k, "filtering.tiller_smallest_movement", 20)
	cfg.Filtering.TillerCenter = kInt(k, "filtering.tiller_center", 100)

	cfg.Performance.WriteBufferWarning = int64(kInt(k, "performance.write_buffer_warning", 100000))
	cfg.Performance.QueueTimeWarning = kSeconds(k, "performance.queue_time_warning", 0.016)
	cfg.Performance.TotalDelayWarning = kSeconds(k, "performance.total_delay_warning", 0.024)
	cfg.Performance.MonitorDelayWarning = kSeconds(k, "performance.monitor_delay_warning", 0.032)
	cfg.Performance.RTTWarning = kSeconds(k, "performance.frdp_rtt_warning", 0.1)

	cfg.SharedInfo.Master = k.Bool("sharedinfo.master")

	cfg.Kafka.Brokers = k.Strings("kafka.brokers")
	cfg.Kafka.Topic = kStr(k, "kafka.topic", "frankenrouter-gossip")
	cfg.Kafka.Group = kStr(k, "kafka.group", "")

	access, err := buildAccess(k)
	if err != nil {
		return nil, err
	}
	cfg.Access = access

	checks, err := buildChecks(k)
	if err != nil {
		return nil, err
	}
	cfg.Checks = checks

	cfg.CacheFile = kStr(k, "state-cache-file", "AUTO")
	if cfg.CacheFile == "AUTO" {
		cfg.CacheFile = fmt.Sprintf("frankenrouter-%s.cache.json", cfg.Identity.Router)
	}
	cfg.NoCacheFile = k.Bool("no-state-cache-file")
	cfg.NoPauseClients = k.Bool("no-pause-clients")
	cfg.ReconnectDelay = kDuration(k, "upstream-reconnect-delay", time.Second)
	cfg.StatusInterval = kDuration(k, "status-interval", 10*time.Second)
	cfg.HousekeepingInterval = kDuration(k, "housekeeping-interval", 30*time.Second)

	return cfg, nil
}

// tableList extracts a TOML [[array-of-tables]] value from the tree.
func tableList(k *koanf.Koanf, path string) []map[string]any {
	var out []map[string]any
	raw, _ := k.Get(path).([]any)
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func tblStr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func tblBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func tblInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func tblStrs(m map[string]any, key string) []string {
	var out []string
	switch v := m[key].(type) {
	case []string:
		out = v
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// buildAccess parses the ordered [[access]] list. An absent list means
// a single implicit rule granting full access to any address.
func buildAccess(k *koanf.Koanf) (wire.Policy, error) {
	tables := tableList(k, "access")
	if len(tables) == 0 {
		return wire.DefaultPolicy(), nil
	}

	var policy wire.Policy
	for i, a := range tables {
		rule := wire.Rule{
			DisplayName:  tblStr(a, "display_name"),
			Password:     tblStr(a, "match_password"),
			IsRouterPeer: tblBool(a, "is_router_peer"),
		}
		if rule.DisplayName == "" {
			return nil, fmt.Errorf("access rule %d: display_name is required", i)
		}

		nets := tblStrs(a, "match_ipv4")
		for _, n := range nets {
			if n == "ANY" {
				rule.Any = true
				continue
			}
			p, err := netip.ParsePrefix(n)
			if err != nil {
				// allow bare addresses too
				addr, aerr := netip.ParseAddr(n)
				if aerr != nil {
					return nil, fmt.Errorf("access rule %d: bad network %q: %w", i, n, err)
				}
				p = netip.PrefixFrom(addr, addr.BitLen())
			}
			rule.Networks = append(rule.Networks, p)
		}

		if len(nets) == 0 && rule.Password == "" {
			return nil, fmt.Errorf("access rule %d: needs match_ipv4 or match_password", i)
		}
		if _, present := a["match_password"]; present && rule.Password == "" {
			return nil, fmt.Errorf("access rule %d: empty password, remove the line for no-password access", i)
		}

		level, err := wire.ParseLevel(tblStr(a, "level"))
		if err != nil {
			return nil, fmt.Errorf("access rule %d: %w", i, err)
		}
		rule.Level = level

		policy = append(policy, rule)
	}
	return policy, nil
}

// buildChecks parses the [[check]] warning predicates.
func buildChecks(k *koanf.Koanf) ([]Check, error) {
	var checks []Check
	for i, c := range tableList(k, "check") {
		chk := Check{Type: tblStr(c, "type")}
		switch chk.Type {
		case "is_router_peer":
		case "name_regexp":
			re, err := regexp.Compile(tblStr(c, "regexp"))
			if err != nil {
				return nil, fmt.Errorf("check %d: bad regexp: %w", i, err)
			}
			chk.Re = re
		default:
			return nil, fmt.Errorf("check %d: invalid type %q", i, chk.Type)
		}
		if v, ok := tblInt(c, "limit_min"); ok {
			chk.LimitMin, chk.HasMin = v, true
		}
		if v, ok := tblInt(c, "limit_max"); ok {
			chk.LimitMax, chk.HasMax = v, true
		}
		checks = append(checks, chk)
	}
	return checks, nil
}

// firstRun collects minimal identity and upstream settings on stdin
// when there is no config file, then stores them in the config tree.
func (r *Router) firstRun() error {
	fmt.Fprintln(os.Stderr, `
No configuration file found. Answer the questions below to run the
router in basic client mode, or press Control-C and create a config
file instead.`)

	in := bufio.NewScanner(os.Stdin)

	var sim string
	for {
		sim = prompt(in, "The name of your simulator others will see (max 24 characters)", "")
		if len(sim) > 0 && len(sim) <= 24 {
			break
		}
	}
	r.K.Set("identity.simulator", sim)
	r.K.Set("identity.router", sim)

	// a client-mode router listens where the Sim would and connects out
	r.K.Set("listen.port", promptInt(in, "Router port", 10747))
	r.K.Set("upstream.host", prompt(in, "Upstream host", "127.0.0.1"))
	r.K.Set("upstream.port", promptInt(in, "Upstream port", 10748))
	if pw := prompt(in, "Upstream password", ""); pw != "" {
		r.K.Set("upstream.password", pw)
	}
	return in.Err()
}

// promptUpstream re-asks the upstream endpoint when interactive mode
// is set.
func promptUpstream(cfg *Config) error {
	in := bufio.NewScanner(os.Stdin)
	cfg.Upstream.Host = prompt(in, "Upstream host", cfg.Upstream.Host)
	cfg.Upstream.Port = promptInt(in, "Upstream port", cfg.Upstream.Port)
	if pw := prompt(in, "Upstream password", cfg.Upstream.Password); pw != "" {
		cfg.Upstream.Password = pw
	}
	return in.Err()
}

func prompt(in *bufio.Scanner, question, def string) string {
	if def != "" {
		fmt.Fprintf(os.Stderr, "%s (press Enter for %s)? ", question, def)
	} else {
		fmt.Fprintf(os.Stderr, "%s? ", question)
	}
	if !in.Scan() {
		return def
	}
	if answer := strings.TrimSpace(in.Text()); answer != "" {
		return answer
	}
	return def
}

func promptInt(in *bufio.Scanner, question string, def int) int {
	for {
		answer := prompt(in, question, strconv.Itoa(def))
		n, err := strconv.Atoi(answer)
		if err == nil {
			return n
		}
		fmt.Fprintln(os.Stderr, "not a number, try again")
	}
}

// koanf accessors with defaults

func kStr(k *koanf.Koanf, path, def string) string {
	if !k.Exists(path) {
		return def
	}
	return k.String(path)
}

func kInt(k *koanf.Koanf, path string, def int) int {
	if !k.Exists(path) {
		return def
	}
	return k.Int(path)
}

func kSeconds(k *koanf.Koanf, path string, def float64) time.Duration {
	v := def
	if k.Exists(path) {
		v = k.Float64(path)
	}
	return time.Duration(v * float64(time.Second))
}

func kDuration(k *koanf.Koanf, path string, def time.Duration) time.Duration {
	if !k.Exists(path) {
		return def
	}
	return k.Duration(path)
}

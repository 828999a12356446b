// Package config loads relayd's settings from defaults, an optional TOML
// file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/proxy"
	"github.com/die-net/relayd/internal/queue"
	"github.com/die-net/relayd/internal/socks5"
	"github.com/die-net/relayd/internal/tproxy"
	"github.com/die-net/relayd/internal/upstream"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "RELAYD_CONFIG"

// Config is the full set of relayd settings. TOML keys match the flag
// names with dashes replaced by underscores.
type Config struct {
	HTTPListen   string `toml:"http_listen"`
	SOCKS5Listen string `toml:"socks5_listen"`
	SOCKS5User   string `toml:"socks5_user"`
	SOCKS5Pass   string `toml:"socks5_pass"`
	TProxyListen string `toml:"tproxy_listen"`
	DebugListen  string `toml:"debug_listen"`

	Upstream          string   `toml:"upstream"`
	UpstreamIOTimeout Duration `toml:"upstream_io_timeout"`
	UpstreamBackoff   Duration `toml:"upstream_backoff"`
	DialTimeout       Duration `toml:"dial_timeout"`
	TCPKeepAlive      string   `toml:"tcp_keepalive"`

	Workers         int `toml:"workers"`
	QueueSize       int `toml:"queue_size"`
	ConnectAttempts int `toml:"connect_attempts"`

	ClientTimeout      Duration `toml:"client_timeout"`
	TunnelIdleTimeout  Duration `toml:"tunnel_idle_timeout"`
	NegotiationTimeout Duration `toml:"negotiation_timeout"`

	ValidateTargets bool   `toml:"validate_targets"`
	DecodeChunked   bool   `toml:"decode_chunked"`
	EndMarker       string `toml:"end_marker"`
	MaxHeaderBytes  int    `toml:"max_header_bytes"`

	AcceptRate  float64 `toml:"accept_rate"`
	AcceptBurst int     `toml:"accept_burst"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string `toml:"-"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTPListen: "127.0.0.1:8080",

		Upstream:          "proxy-server:9090",
		UpstreamIOTimeout: Duration(20 * time.Second),
		UpstreamBackoff:   Duration(time.Second),
		DialTimeout:       Duration(10 * time.Second),
		TCPKeepAlive:      "45:45:3",

		Workers:         proxy.DefaultWorkers,
		QueueSize:       queue.DefaultCapacity,
		ConnectAttempts: proxy.DefaultConnectAttempts,

		ClientTimeout:      Duration(proxy.DefaultClientTimeout),
		TunnelIdleTimeout:  Duration(proxy.DefaultTunnelIdleTimeout),
		NegotiationTimeout: Duration(10 * time.Second),

		ValidateTargets: true,
		DecodeChunked:   true,
		MaxHeaderBytes:  proxy.DefaultMaxHeaderBytes,

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Parse builds a Config from args (without the program name). A config
// file named by --config or $RELAYD_CONFIG is applied over the defaults,
// then any flag given explicitly is applied over the file. The result is
// validated. pflag.ErrHelp is returned for -h/--help.
func Parse(args []string) (*Config, error) {
	cfg := Default()
	fs := NewFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := cfg.ConfigFile
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		merged := Default()
		if err := LoadFile(path, &merged); err != nil {
			return nil, err
		}
		if err := reapply(fs, NewFlagSet(&merged)); err != nil {
			return nil, err
		}
		merged.ConfigFile = path
		cfg = merged
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewFlagSet returns a flag set bound to cfg's fields, using their current
// values as defaults.
func NewFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "TOML config file (env "+EnvConfigPath+"). Flags given explicitly override it.")

	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP proxy listen address. Empty disables.")
	fs.StringVar(&cfg.SOCKS5Listen, "socks5-listen", cfg.SOCKS5Listen, "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
	fs.StringVar(&cfg.SOCKS5User, "socks5-user", cfg.SOCKS5User, "Username SOCKS5 clients must present. Empty allows no-auth.")
	fs.StringVar(&cfg.SOCKS5Pass, "socks5-pass", cfg.SOCKS5Pass, "Password SOCKS5 clients must present")
	fs.StringVar(&cfg.TProxyListen, "tproxy-listen", cfg.TProxyListen, "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")

	fs.StringVar(&cfg.Upstream, "upstream", cfg.Upstream, "Upstream proxy host:port")
	fs.Var(&cfg.UpstreamIOTimeout, "upstream-io-timeout", "Timeout for each read and write on the upstream connection")
	fs.Var(&cfg.UpstreamBackoff, "upstream-backoff", "Pause after a failed upstream connect")
	fs.Var(&cfg.DialTimeout, "dial-timeout", "Timeout for upstream DNS lookup and TCP connect")
	fs.StringVar(&cfg.TCPKeepAlive, "tcp-keepalive", cfg.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of relay workers, each with its own upstream connection")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Maximum accepted connections waiting for a worker")
	fs.IntVar(&cfg.ConnectAttempts, "connect-attempts", cfg.ConnectAttempts, "Upstream connect attempts per client before giving up on it")

	fs.Var(&cfg.ClientTimeout, "client-timeout", "Timeout for each read and write on a client connection")
	fs.Var(&cfg.TunnelIdleTimeout, "tunnel-idle-timeout", "Close tunnels idle for this long (0 disables)")
	fs.Var(&cfg.NegotiationTimeout, "negotiation-timeout", "Timeout for inbound protocol negotiation")

	fs.BoolVar(&cfg.ValidateTargets, "validate-targets", cfg.ValidateTargets, "Reject request targets that are not absolute http(s) URLs")
	fs.BoolVar(&cfg.DecodeChunked, "decode-chunked", cfg.DecodeChunked, "Relay chunked responses chunk by chunk instead of until upstream close")
	fs.StringVar(&cfg.EndMarker, "end-marker", cfg.EndMarker, "Line the upstream sends to end a response. Empty disables.")
	fs.IntVar(&cfg.MaxHeaderBytes, "max-header-bytes", cfg.MaxHeaderBytes, "Maximum size of a request or response header block")

	fs.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "Maximum accepted connections per second per listener (0 is unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "Accept burst allowed above --accept-rate")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console|json")

	if !tproxy.IsSupported {
		_ = fs.MarkHidden("tproxy-listen")
	}
	return fs
}

// LoadFile decodes the TOML file at path into cfg. Keys the file omits keep
// their current values; unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			keys := make([]string, 0, len(sme.Errors))
			for i := range sme.Errors {
				keys = append(keys, strings.Join(sme.Errors[i].Key(), "."))
			}
			return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// reapply sets every flag the user gave in parsed on dst.
func reapply(parsed, dst *pflag.FlagSet) error {
	var err error
	parsed.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if serr := dst.Set(f.Name, f.Value.String()); serr != nil {
			err = fmt.Errorf("--%s: %w", f.Name, serr)
		}
	})
	return err
}

// Validate checks settings that would otherwise fail later or silently
// misbehave.
func (c *Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTPListen == "" && c.SOCKS5Listen == "" && c.TProxyListen == "",
		"no listeners enabled (set at least one of --http-listen, --socks5-listen, --tproxy-listen)")
	if err := upstream.ValidateAddress(c.Upstream); err != nil {
		errs = append(errs, fmt.Errorf("--upstream: %w", err))
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		errs = append(errs, fmt.Errorf("--tcp-keepalive: %w", err))
	}

	check(c.Workers < 1, "--workers must be at least 1; got %d", c.Workers)
	check(c.QueueSize < 1, "--queue-size must be at least 1; got %d", c.QueueSize)
	check(c.ConnectAttempts < 1, "--connect-attempts must be at least 1; got %d", c.ConnectAttempts)
	check(c.MaxHeaderBytes < 1, "--max-header-bytes must be at least 1; got %d", c.MaxHeaderBytes)

	for name, d := range map[string]Duration{
		"upstream-io-timeout": c.UpstreamIOTimeout,
		"upstream-backoff":    c.UpstreamBackoff,
		"dial-timeout":        c.DialTimeout,
		"client-timeout":      c.ClientTimeout,
		"tunnel-idle-timeout": c.TunnelIdleTimeout,
		"negotiation-timeout": c.NegotiationTimeout,
	} {
		check(d < 0, "--%s must not be negative; got %s", name, d)
	}

	check(c.AcceptRate < 0, "--accept-rate must not be negative; got %v", c.AcceptRate)
	check(c.AcceptBurst < 0, "--accept-burst must not be negative; got %d", c.AcceptBurst)
	check(c.SOCKS5Pass != "" && c.SOCKS5User == "", "--socks5-pass requires --socks5-user")
	check(strings.ContainsAny(c.EndMarker, "\r\n"), "--end-marker must be a single line")

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("--log-level: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("--log-format must be console or json; got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// KeepAlive returns the parsed --tcp-keepalive setting. Call it on a
// validated Config.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseTCPKeepAlive(c.TCPKeepAlive)
	return ka
}

func (c *Config) UpstreamConfig(logger *zap.Logger, m *metrics.Metrics) upstream.Config {
	return upstream.Config{
		Address:     c.Upstream,
		DialTimeout: c.DialTimeout.Std(),
		IOTimeout:   c.UpstreamIOTimeout.Std(),
		Backoff:     c.UpstreamBackoff.Std(),
		KeepAlive:   c.KeepAlive(),
		Logger:      logger,
		Metrics:     m,
	}
}

func (c *Config) ProxyConfig(logger *zap.Logger, m *metrics.Metrics) proxy.Config {
	logger = logging.OrNop(logger)
	return proxy.Config{
		Upstream:           c.UpstreamConfig(logger.Named("upstream"), m),
		Workers:            c.Workers,
		ConnectAttempts:    c.ConnectAttempts,
		ClientTimeout:      c.ClientTimeout.Std(),
		TunnelIdleTimeout:  c.TunnelIdleTimeout.Std(),
		NegotiationTimeout: c.NegotiationTimeout.Std(),
		ValidateTargets:    c.ValidateTargets,
		DecodeChunked:      c.DecodeChunked,
		EndMarker:          c.EndMarker,
		MaxHeaderBytes:     c.MaxHeaderBytes,
		AcceptRate:         c.AcceptRate,
		AcceptBurst:        c.AcceptBurst,
		Logger:             logger.Named("proxy"),
		Metrics:            m,
	}
}

func (c *Config) SOCKS5Auth() socks5.Auth {
	return socks5.Auth{Username: c.SOCKS5User, Password: c.SOCKS5Pass}
}

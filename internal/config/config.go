// Package config parses the bootstrap configuration for cmd/daq-gateway:
// the minimal process-level settings needed to open a link and start the
// orchestrator. It is not the REST configuration collaborator (out of
// scope) -- channel setup happens at runtime through the orchestrator's
// Configure method, not through flags or environment variables.
//
// Grounded on cmd/can-server/config.go: flag parsing with DAQ_GATEWAY_*
// environment overrides applied only when the matching flag was not
// explicitly set.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the parsed bootstrap configuration.
type Config struct {
	Transport string // "serial" or "tcp"

	SerialDevice string
	Baud         int

	TCPHost string
	TCPPort int

	LogFormat string
	LogLevel  string

	MetricsAddr     string
	LogMetricsEvery time.Duration

	EventBusBuffer int
	EventBusPolicy string // "drop" or "kick"

	BurstCacheSize int

	DecoderWindow         int
	DecoderFullScale      float64
	DecoderReferenceVolts float64

	MDNSEnable bool
	MDNSName   string
}

// ParseFlags parses os.Args, applies DAQ_GATEWAY_* environment overrides,
// and validates the result. The second return value reports whether
// -version was passed; callers should print the version and exit before
// looking at any error.
func ParseFlags() (*Config, bool) {
	cfg := &Config{}

	transport := flag.String("transport", "serial", "Link transport: serial|tcp")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	tcpHost := flag.String("tcp-host", "127.0.0.1", "TCP device host (when --transport=tcp)")
	tcpPort := flag.Int("tcp-port", 5025, "TCP device port (when --transport=tcp)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	busBuffer := flag.Int("eventbus-buffer", 64, "Per-subscriber event bus buffer (events)")
	busPolicy := flag.String("eventbus-policy", "drop", "Backpressure policy: drop|kick")
	burstCache := flag.Int("burst-cache-size", 32, "Number of completed trigger bursts retained in memory")
	decWindow := flag.Int("decoder-window", 5, "Centered moving-average filter window (samples)")
	decFullScale := flag.Float64("decoder-full-scale", 4096, "Default raw full-scale used when a channel's configuration omits one")
	decRefVolts := flag.Float64("decoder-reference-volts", 3.3, "Default reference voltage used when a channel's configuration omits one")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the gateway")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default daq-gateway-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.Transport = *transport
	cfg.SerialDevice = *serialDev
	cfg.Baud = *baud
	cfg.TCPHost = *tcpHost
	cfg.TCPPort = *tcpPort
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.LogMetricsEvery = *logMetricsEvery
	cfg.EventBusBuffer = *busBuffer
	cfg.EventBusPolicy = *busPolicy
	cfg.BurstCacheSize = *burstCache
	cfg.DecoderWindow = *decWindow
	cfg.DecoderFullScale = *decFullScale
	cfg.DecoderReferenceVolts = *decRefVolts
	cfg.MDNSEnable = *mdnsEnable
	cfg.MDNSName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open the link -- only checks values/ranges.
func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.Transport {
	case "serial", "tcp":
	default:
		return fmt.Errorf("invalid transport: %s", c.Transport)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.EventBusPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid eventbus-policy: %s", c.EventBusPolicy)
	}
	if c.EventBusBuffer <= 0 {
		return fmt.Errorf("eventbus-buffer must be > 0 (got %d)", c.EventBusBuffer)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.Baud)
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp-port out of range (got %d)", c.TCPPort)
	}
	if c.BurstCacheSize <= 0 {
		return fmt.Errorf("burst-cache-size must be > 0 (got %d)", c.BurstCacheSize)
	}
	if c.DecoderWindow <= 0 {
		return fmt.Errorf("decoder-window must be > 0 (got %d)", c.DecoderWindow)
	}
	if c.DecoderFullScale <= 0 {
		return fmt.Errorf("decoder-full-scale must be > 0")
	}
	if c.DecoderReferenceVolts <= 0 {
		return fmt.Errorf("decoder-reference-volts must be > 0")
	}
	return nil
}

// applyEnvOverrides maps DAQ_GATEWAY_* environment variables to config
// fields unless the corresponding flag was explicitly set (flag wins).
// Numeric/duration/boolean parsing is lax: empty values are ignored.
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	noteErr := func(name string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, ok := set["transport"]; !ok {
		if v, ok := get("DAQ_GATEWAY_TRANSPORT"); ok && v != "" {
			c.Transport = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("DAQ_GATEWAY_SERIAL"); ok && v != "" {
			c.SerialDevice = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("DAQ_GATEWAY_BAUD"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n > 0 {
				c.Baud = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_BAUD", err)
			}
		}
	}
	if _, ok := set["tcp-host"]; !ok {
		if v, ok := get("DAQ_GATEWAY_TCP_HOST"); ok && v != "" {
			c.TCPHost = v
		}
	}
	if _, ok := set["tcp-port"]; !ok {
		if v, ok := get("DAQ_GATEWAY_TCP_PORT"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n > 0 {
				c.TCPPort = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_TCP_PORT", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("DAQ_GATEWAY_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("DAQ_GATEWAY_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("DAQ_GATEWAY_METRICS"); ok {
			c.MetricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("DAQ_GATEWAY_LOG_METRICS_INTERVAL"); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err == nil && d >= 0 {
				c.LogMetricsEvery = d
			} else if err != nil {
				noteErr("DAQ_GATEWAY_LOG_METRICS_INTERVAL", err)
			}
		}
	}
	if _, ok := set["eventbus-buffer"]; !ok {
		if v, ok := get("DAQ_GATEWAY_EVENTBUS_BUFFER"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n > 0 {
				c.EventBusBuffer = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_EVENTBUS_BUFFER", err)
			}
		}
	}
	if _, ok := set["eventbus-policy"]; !ok {
		if v, ok := get("DAQ_GATEWAY_EVENTBUS_POLICY"); ok && v != "" {
			c.EventBusPolicy = v
		}
	}
	if _, ok := set["burst-cache-size"]; !ok {
		if v, ok := get("DAQ_GATEWAY_BURST_CACHE_SIZE"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n > 0 {
				c.BurstCacheSize = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_BURST_CACHE_SIZE", err)
			}
		}
	}
	if _, ok := set["decoder-window"]; !ok {
		if v, ok := get("DAQ_GATEWAY_DECODER_WINDOW"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n > 0 {
				c.DecoderWindow = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_DECODER_WINDOW", err)
			}
		}
	}
	if _, ok := set["decoder-full-scale"]; !ok {
		if v, ok := get("DAQ_GATEWAY_DECODER_FULL_SCALE"); ok && v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err == nil && n > 0 {
				c.DecoderFullScale = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_DECODER_FULL_SCALE", err)
			}
		}
	}
	if _, ok := set["decoder-reference-volts"]; !ok {
		if v, ok := get("DAQ_GATEWAY_DECODER_REFERENCE_VOLTS"); ok && v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err == nil && n > 0 {
				c.DecoderReferenceVolts = n
			} else if err != nil {
				noteErr("DAQ_GATEWAY_DECODER_REFERENCE_VOLTS", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("DAQ_GATEWAY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("DAQ_GATEWAY_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	return firstErr
}

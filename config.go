package meshcoap

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// DefaultResolverAddr is the public resolver queried when none is configured.
const DefaultResolverAddr = "2001:4860:4860::8888"

// Config holds the static configuration of a session.
type Config struct {
	// Hostname is resolved to find the peer. Either Hostname or Peer is required.
	// Fallback: MESHCOAP_HOSTNAME environment variable.
	Hostname string `env:"MESHCOAP_HOSTNAME"`

	// Peer is a fixed peer IPv6 address, used instead of resolving Hostname.
	// Fallback: MESHCOAP_PEER environment variable.
	Peer string `env:"MESHCOAP_PEER"`

	// ResolverAddr is the DNS server queried for Hostname.
	// Fallback: MESHCOAP_RESOLVER environment variable, then DefaultResolverAddr.
	ResolverAddr string `env:"MESHCOAP_RESOLVER" default:"2001:4860:4860::8888"`

	// URIPath is the resource path on the peer, e.g. "v2/things/{token}".
	// Fallback: MESHCOAP_URI_PATH environment variable.
	URIPath string `env:"MESHCOAP_URI_PATH"`

	// Method defaults to POST.
	Method string `env:"MESHCOAP_METHOD" default:"POST"`

	ContentFormat uint16 `env:"MESHCOAP_CONTENT_FORMAT" default:"50"`

	// Confirmable selects CON instead of NON requests.
	Confirmable bool `env:"MESHCOAP_CONFIRMABLE"`

	// Payload is sent verbatim unless a PayloadFunc is supplied with WithPayload.
	Payload string `env:"MESHCOAP_PAYLOAD"`

	// Interval between ticks. Defaults to DefaultInterval.
	Interval time.Duration `env:"MESHCOAP_INTERVAL" default:"5s"`

	// ResolveTimeout bounds a single DNS exchange.
	ResolveTimeout time.Duration `env:"MESHCOAP_RESOLVE_TIMEOUT" default:"5s"`

	// AutoCommission lets an uncommissioned device commission itself at start.
	AutoCommission bool `env:"MESHCOAP_AUTO_COMMISSION" default:"true"`
}

// LoadConfig reads a Config from the environment, loading a .env file first if present.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	return resolveConfig(cfg)
}

// resolveConfig fills empty fields from environment variables and validates required fields.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = os.Getenv("MESHCOAP_HOSTNAME")
	}
	if cfg.Peer == "" {
		cfg.Peer = os.Getenv("MESHCOAP_PEER")
	}
	if cfg.ResolverAddr == "" {
		cfg.ResolverAddr = os.Getenv("MESHCOAP_RESOLVER")
	}
	if cfg.ResolverAddr == "" {
		cfg.ResolverAddr = DefaultResolverAddr
	}
	if cfg.URIPath == "" {
		cfg.URIPath = os.Getenv("MESHCOAP_URI_PATH")
	}
	if cfg.Method == "" {
		cfg.Method = MethodPost.String()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.Hostname == "" && cfg.Peer == "" {
		return cfg, errors.New("Hostname or Peer is required (set in Config or MESHCOAP_HOSTNAME / MESHCOAP_PEER env)")
	}
	if cfg.Peer != "" {
		if _, err := netip.ParseAddr(cfg.Peer); err != nil {
			return cfg, fmt.Errorf("Peer %q is not an IP address: %w", cfg.Peer, err)
		}
	} else if _, err := resolverAddrPort(cfg.ResolverAddr); err != nil {
		return cfg, err
	}
	if cfg.URIPath == "" {
		return cfg, errors.New("URIPath is required (set in Config or MESHCOAP_URI_PATH env)")
	}
	if _, err := ParseMethod(cfg.Method); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// request builds the per-tick request template. cfg must already be resolved.
func (cfg Config) request() Request {
	method, _ := ParseMethod(cfg.Method)
	req := Request{
		Method:        method,
		URIPath:       cfg.URIPath,
		ContentFormat: cfg.ContentFormat,
		Confirmable:   cfg.Confirmable,
	}
	if cfg.Payload != "" {
		req.Payload = RawPayload([]byte(cfg.Payload))
	}
	return req
}

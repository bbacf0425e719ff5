// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the enclavenet client.
package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/enclavenet/internal/proxy"
)

const (
	defaultLogLevel = "NOTICE"

	defaultPort              = 443
	defaultAttemptTimeout    = 10000
	defaultOverallTimeout    = 30000
	defaultHandshakeTimeout  = 10000
	defaultRequestTimeout    = 15000
	defaultCacheTTL          = 300
	defaultHistoryTTL        = 300
	defaultMaxRotationSteps  = 3
	defaultAttestationMaxAge = 300
	defaultClockSkew         = 30
	defaultWebSocketPath     = "/"

	// AttestationCOSE is a Nitro format COSE_Sign1 document checked
	// against a configured root.
	AttestationCOSE = "cose"

	// AttestationNitro is an AWS Nitro Enclaves document checked against
	// the AWS root.
	AttestationNitro = "nitro"

	// AttestationJWT is a signed JWT carrying an x5c chain.
	AttestationJWT = "jwt"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Resolver is the name resolution configuration.
type Resolver struct {
	// Nameservers is an optional list of host:port DNS servers queried
	// directly instead of the system resolver.
	Nameservers []string

	// CacheTTL is the number of seconds a resolution is cached.
	CacheTTL int

	// Fallback maps hostnames to static addresses used when resolution
	// of the hostname fails.
	Fallback map[string][]string

	// DisableIPv4 drops IPv4 addresses from resolutions.
	DisableIPv4 bool

	// DisableIPv6 drops IPv6 addresses from resolutions.
	DisableIPv6 bool
}

func (r *Resolver) validate() error {
	if r.CacheTTL == 0 {
		r.CacheTTL = defaultCacheTTL
	}
	if r.CacheTTL < 0 {
		return fmt.Errorf("config: Resolver: CacheTTL %v is invalid", r.CacheTTL)
	}
	if r.DisableIPv4 && r.DisableIPv6 {
		return errors.New("config: Resolver: DisableIPv4 and DisableIPv6 are mutually exclusive")
	}
	for _, ns := range r.Nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			return fmt.Errorf("config: Resolver: Nameserver '%v' is invalid: %v", ns, err)
		}
	}
	for host, addrs := range r.Fallback {
		for _, a := range addrs {
			if net.ParseIP(a) == nil {
				return fmt.Errorf("config: Resolver: Fallback '%v' for '%v' is not an IP address", a, host)
			}
		}
	}
	return nil
}

// CacheDuration returns the cache TTL.
func (r *Resolver) CacheDuration() time.Duration {
	return time.Duration(r.CacheTTL) * time.Second
}

// Timeouts are the connection layer timeouts, in milliseconds.
type Timeouts struct {
	// Attempt bounds a single route attempt.
	Attempt int

	// Overall bounds a connection race across all tiers.
	Overall int

	// Handshake bounds the attestation handshake.
	Handshake int

	// Request is the default deadline for a request on a channel.
	Request int
}

func (t *Timeouts) validate() error {
	if t.Attempt == 0 {
		t.Attempt = defaultAttemptTimeout
	}
	if t.Overall == 0 {
		t.Overall = defaultOverallTimeout
	}
	if t.Handshake == 0 {
		t.Handshake = defaultHandshakeTimeout
	}
	if t.Request == 0 {
		t.Request = defaultRequestTimeout
	}
	if t.Attempt < 0 || t.Overall < 0 || t.Handshake < 0 || t.Request < 0 {
		return errors.New("config: Timeouts: negative timeout")
	}
	if t.Attempt > t.Overall {
		return fmt.Errorf("config: Timeouts: Attempt %v exceeds Overall %v", t.Attempt, t.Overall)
	}
	return nil
}

// AttemptTimeout returns the per attempt timeout.
func (t *Timeouts) AttemptTimeout() time.Duration {
	return time.Duration(t.Attempt) * time.Millisecond
}

// OverallTimeout returns the overall connect timeout.
func (t *Timeouts) OverallTimeout() time.Duration {
	return time.Duration(t.Overall) * time.Millisecond
}

// HandshakeTimeout returns the attestation handshake timeout.
func (t *Timeouts) HandshakeTimeout() time.Duration {
	return time.Duration(t.Handshake) * time.Millisecond
}

// RequestTimeout returns the default request timeout.
func (t *Timeouts) RequestTimeout() time.Duration {
	return time.Duration(t.Request) * time.Millisecond
}

// History is the route history configuration.
type History struct {
	// File is the optional path of the database persisting route
	// failures across restarts.
	File string

	// TTL is the number of seconds a route failure demotes the route.
	TTL int
}

func (h *History) validate() error {
	if h.TTL == 0 {
		h.TTL = defaultHistoryTTL
	}
	if h.TTL < 0 {
		return fmt.Errorf("config: History: TTL %v is invalid", h.TTL)
	}
	return nil
}

// Duration returns the history TTL.
func (h *History) Duration() time.Duration {
	return time.Duration(h.TTL) * time.Second
}

// Attestation is the expected enclave identity of an endpoint.
type Attestation struct {
	// Kind is the evidence format ("cose", "nitro", "jwt").
	Kind string

	// Measurements is the set of acceptable code measurements.  For
	// "cose" and "nitro" these are hex encoded PCR values, for "jwt" the
	// image digest claim as issued.
	Measurements []string

	// RootCAFile is the PEM encoded trust root for "cose" and "jwt"
	// evidence.
	RootCAFile string

	// MaxAge is the number of seconds evidence remains fresh.
	MaxAge int

	// ClockSkew is the number of seconds of tolerated clock skew.
	ClockSkew int
}

func (a *Attestation) validate(name string) error {
	a.Kind = strings.ToLower(a.Kind)
	switch a.Kind {
	case "":
		a.Kind = AttestationCOSE
	case AttestationCOSE, AttestationNitro, AttestationJWT:
	default:
		return fmt.Errorf("config: Endpoint '%v': Attestation Kind '%v' is invalid", name, a.Kind)
	}
	if len(a.Measurements) == 0 {
		return fmt.Errorf("config: Endpoint '%v': no Attestation Measurements", name)
	}
	if a.Kind != AttestationJWT {
		for i, m := range a.Measurements {
			b, err := hex.DecodeString(m)
			if err != nil || len(b) == 0 {
				return fmt.Errorf("config: Endpoint '%v': Measurement '%v' is not hex", name, m)
			}
			a.Measurements[i] = strings.ToLower(m)
		}
	}
	if a.Kind != AttestationNitro && a.RootCAFile == "" {
		return fmt.Errorf("config: Endpoint '%v': Attestation RootCAFile is required for %v", name, a.Kind)
	}
	if a.MaxAge == 0 {
		a.MaxAge = defaultAttestationMaxAge
	}
	if a.ClockSkew == 0 {
		a.ClockSkew = defaultClockSkew
	}
	if a.MaxAge < 0 || a.ClockSkew < 0 {
		return fmt.Errorf("config: Endpoint '%v': negative attestation window", name)
	}
	return nil
}

// Endpoint is a logical enclave service.
type Endpoint struct {
	// Name is the name callers use to refer to the endpoint.
	Name string

	// Hosts is the list of hostnames serving the endpoint, most
	// preferred first.
	Hosts []string

	// Port is the service port.
	Port int

	// PlainTCP disables TLS below the attested channel.
	PlainTCP bool

	// RootCAFile is an optional PEM file replacing the system roots for
	// TLS.
	RootCAFile string

	// WebSocketPath, when set, carries the channel over binary websocket
	// messages at this path.
	WebSocketPath string

	// Fronts is the list of TLS front hostnames used for domain fronting.
	// Fronted routes always use websockets.
	Fronts []string

	// DisableDirect omits direct routes from the catalog.
	DisableDirect bool

	// Attestation is the expected enclave identity.
	Attestation *Attestation
}

func (e *Endpoint) validate() error {
	if e.Name == "" {
		return errors.New("config: Endpoint: Name is empty")
	}
	if len(e.Hosts) == 0 {
		return fmt.Errorf("config: Endpoint '%v': no Hosts", e.Name)
	}
	if e.Port == 0 {
		e.Port = defaultPort
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("config: Endpoint '%v': Port %v is invalid", e.Name, e.Port)
	}
	if len(e.Fronts) > 0 {
		if e.PlainTCP {
			return fmt.Errorf("config: Endpoint '%v': domain fronting requires TLS", e.Name)
		}
		if e.WebSocketPath == "" {
			e.WebSocketPath = defaultWebSocketPath
		}
	}
	if e.WebSocketPath != "" && !strings.HasPrefix(e.WebSocketPath, "/") {
		return fmt.Errorf("config: Endpoint '%v': WebSocketPath '%v' is invalid", e.Name, e.WebSocketPath)
	}
	if e.Attestation == nil {
		return fmt.Errorf("config: Endpoint '%v': no Attestation block was present", e.Name)
	}
	return e.Attestation.validate(e.Name)
}

// Address returns the host:port of host on this endpoint.
func (e *Endpoint) Address(host string) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", e.Port))
}

// SVR is the secure value store configuration.
type SVR struct {
	// Endpoints names the store enclaves, current first and previous
	// generations after it.
	Endpoints []string

	// MaxRotationSteps bounds how many times one operation may
	// re-establish its session.  Unset means the default, an explicit 0
	// disables rotation.
	MaxRotationSteps *int

	// MigrateOnRestore re-stores data recovered from a previous
	// generation into the current one.
	MigrateOnRestore bool
}

// RotationSteps returns the rotation bound of a validated configuration.
func (s *SVR) RotationSteps() uint32 {
	if s.MaxRotationSteps == nil {
		return defaultMaxRotationSteps
	}
	return uint32(*s.MaxRotationSteps)
}

func (s *SVR) validate(c *Config) error {
	if s.MaxRotationSteps == nil {
		steps := defaultMaxRotationSteps
		s.MaxRotationSteps = &steps
	}
	if *s.MaxRotationSteps < 0 {
		return fmt.Errorf("config: SVR: MaxRotationSteps %v is invalid", *s.MaxRotationSteps)
	}
	for _, name := range s.Endpoints {
		if c.Endpoint(name) == nil {
			return fmt.Errorf("config: SVR: unknown Endpoint '%v'", name)
		}
	}
	return nil
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type (Eg: "none", "socks5", "http").
	Type string

	// Address is the proxy's host:port.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	cfg := &proxy.Config{Type: proxy.TypeNone}
	if uCfg != nil {
		cfg = &proxy.Config{
			Type:     uCfg.Type,
			Address:  uCfg.Address,
			User:     uCfg.User,
			Password: uCfg.Password,
		}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Callbacks should not be set by the config file.
type Callbacks struct {
	// DialContextFn is the optional alternative Dialer.DialContext function
	// to be used when creating outgoing network connections.
	DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)

	// NowFn overrides the clock used to judge evidence freshness.
	NowFn func() time.Time
}

// Config is the top level client configuration.
type Config struct {
	Logging       *Logging
	Resolver      *Resolver
	UpstreamProxy *UpstreamProxy
	Timeouts      *Timeouts
	History       *History
	SVR           *SVR
	Endpoints     []*Endpoint

	// Callbacks should not be set by the config file.
	Callbacks *Callbacks `toml:"-"`

	upstreamProxy *proxy.Config
}

// UpstreamProxyConfig returns the configured upstream proxy, suitable for
// internal use.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// Endpoint returns the named endpoint, or nil.
func (c *Config) Endpoint(name string) *Endpoint {
	for _, e := range c.Endpoints {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Resolver == nil {
		c.Resolver = &Resolver{}
	}
	if c.Timeouts == nil {
		c.Timeouts = &Timeouts{}
	}
	if c.History == nil {
		c.History = &History{}
	}
	if c.SVR == nil {
		c.SVR = &SVR{}
	}
	if c.Callbacks == nil {
		c.Callbacks = &Callbacks{}
	}
	if len(c.Endpoints) == 0 {
		return errors.New("config: No Endpoints were present")
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Resolver.validate(); err != nil {
		return err
	}
	if err := c.Timeouts.validate(); err != nil {
		return err
	}
	if err := c.History.validate(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, e := range c.Endpoints {
		if err := e.validate(); err != nil {
			return err
		}
		if seen[e.Name] {
			return fmt.Errorf("config: Endpoint '%v' is defined twice", e.Name)
		}
		seen[e.Name] = true
	}
	if err := c.SVR.validate(c); err != nil {
		return err
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// proxy.go - Upstream proxy configuration and dialers.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package proxy implements the support for an upstream (outgoing) proxy.
package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/proxy"
)

const (
	// TypeNone disables the upstream proxy.
	TypeNone = "none"

	// TypeSocks5 is a SOCKS5 proxy.  Target hostnames are resolved by the
	// proxy.
	TypeSocks5 = "socks5"

	// TypeHTTP is an HTTP proxy supporting the CONNECT method.
	TypeHTTP = "http"

	maxSocks5AuthLen = 255
)

// Config is the proxy configuration.
type Config struct {
	// Type is the proxy type (Eg: "none", "socks5", "http").
	Type string

	// Address is the proxy's host:port.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string

	auth *proxy.Auth
}

// DialContextFn is a function that matches the Dialer.DialContext prototype.
type DialContextFn func(context.Context, string, string) (net.Conn, error)

// FixupAndValidate applies defaults to config entires and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	switch cfg.Type {
	case "":
		cfg.Type = TypeNone
		return nil
	case TypeNone:
		return nil
	case TypeSocks5, TypeHTTP:
	default:
		return fmt.Errorf("proxy/config: Type '%v' is invalid", cfg.Type)
	}

	uLen, pLen := len(cfg.User), len(cfg.Password)
	if cfg.Type == TypeSocks5 && (uLen > maxSocks5AuthLen || pLen > maxSocks5AuthLen) {
		return errors.New("proxy/config: User or Password too long")
	}
	if uLen != 0 && pLen == 0 || uLen == 0 && pLen != 0 {
		return errors.New("proxy/config: Both User and Password must be specified")
	}
	if uLen != 0 {
		cfg.auth = &proxy.Auth{
			User:     cfg.User,
			Password: cfg.Password,
		}
	}

	host, port, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return fmt.Errorf("proxy/config: Address '%v' is invalid: %v", cfg.Address, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("proxy/config: Address '%v' is invalid", cfg.Address)
	}
	return nil
}

// Enabled returns true iff an upstream proxy is configured.
func (cfg *Config) Enabled() bool {
	return cfg != nil && cfg.Type != TypeNone && cfg.Type != ""
}

// Auth returns the proxy credentials, or nil.
func (cfg *Config) Auth() *proxy.Auth {
	return cfg.auth
}

// BasicAuth returns the value of a Proxy-Authorization header for the
// configured credentials, or the empty string.
func (cfg *Config) BasicAuth() string {
	if cfg.auth == nil {
		return ""
	}
	creds := cfg.auth.User + ":" + cfg.auth.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// SOCKS5 returns a function that dials address through the configured SOCKS5
// proxy, reaching the proxy itself with forward.  address is passed to the
// proxy unresolved.
func (cfg *Config) SOCKS5(forward DialContextFn) (DialContextFn, error) {
	if cfg.Type != TypeSocks5 {
		return nil, fmt.Errorf("proxy: SOCKS5(): invalid type: %v", cfg.Type)
	}
	d, err := proxy.SOCKS5("tcp", cfg.Address, cfg.auth, contextDialer(forward))
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("proxy: SOCKS5 dialer does not support contexts")
	}
	return cd.DialContext, nil
}

type contextDialer DialContextFn

func (fn contextDialer) Dial(network, address string) (net.Conn, error) {
	return fn(context.Background(), network, address)
}

func (fn contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return fn(ctx, network, address)
}

// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
[Logging]
  Level = "debug"

[Resolver]
  Nameservers = ["127.0.0.1:5353"]
  [Resolver.Fallback]
    "svr.example.org" = ["192.0.2.10", "2001:db8::10"]

[UpstreamProxy]
  Type = "SOCKS5"
  Address = "127.0.0.1:9050"

[Timeouts]
  Attempt = 2000
  Overall = 6000

[SVR]
  Endpoints = ["svr-current", "svr-previous"]

[[Endpoints]]
  Name = "svr-current"
  Hosts = ["svr.example.org", "svr2.example.org"]
  Fronts = ["cdn.example.net"]
  [Endpoints.Attestation]
    Measurements = ["A1B2C3"]
    RootCAFile = "/etc/enclavenet/root.pem"

[[Endpoints]]
  Name = "svr-previous"
  Hosts = ["old.example.org"]
  Port = 8443
  [Endpoints.Attestation]
    Kind = "nitro"
    Measurements = ["00ff"]
`

func TestLoad(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(testConfig))
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(defaultCacheTTL, cfg.Resolver.CacheTTL)
	require.Equal([]string{"192.0.2.10", "2001:db8::10"}, cfg.Resolver.Fallback["svr.example.org"])
	require.Equal(2*time.Second, cfg.Timeouts.AttemptTimeout())
	require.Equal(6*time.Second, cfg.Timeouts.OverallTimeout())
	require.Equal(time.Duration(defaultRequestTimeout)*time.Millisecond, cfg.Timeouts.RequestTimeout())
	require.Equal(uint32(defaultMaxRotationSteps), cfg.SVR.RotationSteps())

	cur := cfg.Endpoint("svr-current")
	require.NotNil(cur)
	require.Equal(443, cur.Port)
	require.Equal("/", cur.WebSocketPath)
	require.Equal(AttestationCOSE, cur.Attestation.Kind)
	require.Equal([]string{"a1b2c3"}, cur.Attestation.Measurements)
	require.Equal("svr.example.org:443", cur.Address("svr.example.org"))

	prev := cfg.Endpoint("svr-previous")
	require.Equal(AttestationNitro, prev.Attestation.Kind)
	require.Equal(8443, prev.Port)

	require.True(cfg.UpstreamProxyConfig().Enabled())
	require.Equal("socks5", cfg.UpstreamProxyConfig().Type)
	require.NotNil(cfg.Callbacks)
}

func TestZeroRotationStepsIsKept(t *testing.T) {
	require := require.New(t)

	withSteps := func(n string) []byte {
		const svr = `Endpoints = ["svr-current", "svr-previous"]`
		return []byte(strings.Replace(testConfig, svr, svr+"\n  MaxRotationSteps = "+n, 1))
	}

	cfg, err := Load(withSteps("0"))
	require.NoError(err)
	require.NotNil(cfg.SVR.MaxRotationSteps)
	require.Zero(cfg.SVR.RotationSteps())

	cfg, err = Load(withSteps("5"))
	require.NoError(err)
	require.Equal(uint32(5), cfg.SVR.RotationSteps())

	_, err = Load(withSteps("-1"))
	require.Error(err)
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(f, []byte(testConfig), 0600))
	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 2)
}

func TestValidationErrors(t *testing.T) {
	endpoint := `
[[Endpoints]]
  Name = "e"
  Hosts = ["e.example.org"]
  [Endpoints.Attestation]
    Measurements = ["00"]
    RootCAFile = "root.pem"
`
	cases := map[string]string{
		"no endpoints":       `[Logging]`,
		"bad level":          "[Logging]\nLevel = \"LOUD\"\n" + endpoint,
		"bad fallback":       "[Resolver.Fallback]\n\"e.example.org\" = [\"not-an-ip\"]\n" + endpoint,
		"attempt > overall":  "[Timeouts]\nAttempt = 5000\nOverall = 1000\n" + endpoint,
		"bad proxy":          "[UpstreamProxy]\nType = \"ftp\"\n" + endpoint,
		"unknown svr":        "[SVR]\nEndpoints = [\"nope\"]\n" + endpoint,
		"missing ca":         "[[Endpoints]]\nName = \"e\"\nHosts = [\"h\"]\n[Endpoints.Attestation]\nMeasurements = [\"00\"]\n",
		"non hex":            "[[Endpoints]]\nName = \"e\"\nHosts = [\"h\"]\n[Endpoints.Attestation]\nMeasurements = [\"zz\"]\nRootCAFile = \"r\"\n",
		"no attestation":     "[[Endpoints]]\nName = \"e\"\nHosts = [\"h\"]\n",
		"duplicate endpoint": endpoint + endpoint,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}

// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"sort"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/internal/proxy"
)

// Catalog builds the ordered route list of an endpoint.  It holds no
// history; demoting routes that keep failing is up to the racer.
type Catalog struct {
	proxyFn func() *proxy.Config
}

// NewCatalog returns a Catalog reading the current proxy settings from
// proxyFn on every call.  proxyFn may be nil.
func NewCatalog(proxyFn func() *proxy.Config) *Catalog {
	return &Catalog{proxyFn: proxyFn}
}

// RoutesFor returns the routes for ep, most preferred first: direct routes
// per host unless disabled, then a fronted route per front and host, then
// a proxied route per host when a proxy is configured.  The result is a
// pure function of ep and the proxy settings.
func (c *Catalog) RoutesFor(ep *config.Endpoint) []*Route {
	var routes []*Route
	base := func(kind Kind, host string) *Route {
		return &Route{
			Kind:          kind,
			Host:          host,
			Port:          ep.Port,
			TLS:           !ep.PlainTCP,
			RootCAFile:    ep.RootCAFile,
			WebSocketPath: ep.WebSocketPath,
		}
	}

	if !ep.DisableDirect {
		for _, h := range ep.Hosts {
			routes = append(routes, base(Direct, h))
		}
	}

	for _, front := range ep.Fronts {
		for _, h := range ep.Hosts {
			r := base(DomainFronted, h)
			r.Front = front
			routes = append(routes, r)
		}
	}

	var pCfg *proxy.Config
	if c.proxyFn != nil {
		pCfg = c.proxyFn()
	}
	if pCfg.Enabled() {
		kind := SocksProxy
		if pCfg.Type == proxy.TypeHTTP {
			kind = HTTPProxy
		}
		for _, h := range ep.Hosts {
			r := base(kind, h)
			r.Proxy = pCfg
			routes = append(routes, r)
		}
	}
	return routes
}

// Tiers partitions routes by tier, preserving order within each tier.
func Tiers(routes []*Route) [][]*Route {
	var (
		tiers [][]*Route
		cur   = -1
	)
	sorted := append([]*Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Tier() < sorted[j].Tier()
	})
	for _, r := range sorted {
		if r.Tier() != cur {
			tiers = append(tiers, nil)
			cur = r.Tier()
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], r)
	}
	return tiers
}

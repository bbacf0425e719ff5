// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"fmt"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/svr"
	"github.com/katzenpost/enclavenet/transport"
)

// svrEnclave reaches a store enclave through the Client.  Every Dial races
// the routes afresh, as a rotation must not reuse a session.
type svrEnclave struct {
	c  *Client
	ep *config.Endpoint
}

func (e *svrEnclave) Name() string {
	return e.ep.Name
}

func (e *svrEnclave) Dial(ctx context.Context) (transport.Stream, error) {
	return e.c.dial(ctx, e.ep)
}

func (e *svrEnclave) Attest(ctx context.Context, s transport.Stream) (svr.Sender, error) {
	ch, err := e.c.attest(ctx, e.ep, s)
	if err != nil {
		return nil, err
	}
	return e.c.newConn(ch), nil
}

// SVR returns the secure value store client of the named endpoint.
func (c *Client) SVR(name string) (*svr.Client, error) {
	ep, err := c.endpoint(name)
	if err != nil {
		return nil, err
	}
	return svr.New(&svrEnclave{c: c, ep: ep}, &svr.Config{
		MaxRotationSteps: c.cfg.SVR.RotationSteps(),
		Salt:             c.svrSalt,
		Credentials:      c.svrCredentials,
	}, c.GetLogger("svr")), nil
}

// SVRs returns the clients of the configured store generations, current
// first.
func (c *Client) SVRs() ([]*svr.Client, error) {
	if len(c.cfg.SVR.Endpoints) == 0 {
		return nil, fmt.Errorf("client: no SVR Endpoints configured")
	}
	clients := make([]*svr.Client, 0, len(c.cfg.SVR.Endpoints))
	for _, name := range c.cfg.SVR.Endpoints {
		s, err := c.SVR(name)
		if err != nil {
			return nil, err
		}
		clients = append(clients, s)
	}
	return clients, nil
}

// Restore recovers the secret behind pin from the newest store generation
// holding one, migrating it forward if configured.
func (c *Client) Restore(ctx context.Context, pin []byte) ([]byte, error) {
	clients, err := c.SVRs()
	if err != nil {
		return nil, err
	}
	return svr.RestoreAny(ctx, clients, pin, c.cfg.SVR.MigrateOnRestore)
}

// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package svr

import (
	"context"
	"errors"

	"github.com/katzenpost/enclavenet/failure"
)

// DefaultMaxTries is the guess budget of migrated backups whose previous
// store did not report one.
const DefaultMaxTries = 10

// RestoreAny restores the secret behind pin from the first of clients that
// holds one.  clients are ordered from the current store to the oldest.  A
// store without data, or whose enclave is no longer served, is skipped.
// Any other failure ends the search, so a wrong PIN is never tried against
// more than one store.
//
// If migrate is set, a secret restored from a previous store is backed up
// to the current one and deleted from the previous one.  Migration
// failures are logged and do not fail the restore.
func RestoreAny(ctx context.Context, clients []*Client, pin []byte, migrate bool) ([]byte, error) {
	if len(clients) == 0 {
		return nil, errors.New("svr: no stores")
	}
	primary := clients[0]
	for i, c := range clients {
		data, maxTries, err := c.NewSession().restore(ctx, pin)
		switch {
		case errors.Is(err, failure.ErrDataMissing):
			c.log.Debugf("%v holds no data", c.Name())
			continue
		case errors.Is(err, failure.ErrEnclaveNotFound):
			c.log.Infof("%v is no longer served, skipping", c.Name())
			continue
		case err != nil:
			return nil, err
		}

		if i > 0 && migrate {
			migrateBackup(ctx, primary, c, pin, data, maxTries)
		}
		return data, nil
	}
	return nil, failure.ErrDataMissing
}

func migrateBackup(ctx context.Context, to, from *Client, pin, data []byte, maxTries uint32) {
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}
	to.log.Noticef("Migrating backup from %v to %v", from.Name(), to.Name())
	if err := to.Backup(ctx, pin, data, maxTries); err != nil {
		to.log.Warningf("Failed to migrate backup to %v: %v", to.Name(), err)
		return
	}
	if err := from.Delete(ctx); err != nil {
		from.log.Warningf("Failed to delete migrated backup from %v: %v", from.Name(), err)
	}
}

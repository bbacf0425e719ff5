// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package svr

import (
	"golang.org/x/crypto/argon2"
)

const (
	argon2Time    = 1
	argon2Memory  = 16 * 1024
	argon2Threads = 1

	// PINHashSize is the size of a hashed PIN.
	PINHashSize = 32
)

// HashPIN stretches pin with argon2id.  salt should be unique to the
// user, such as an account identifier, so equal PINs of different users
// hash differently.
func HashPIN(pin, salt []byte) []byte {
	return argon2.IDKey(pin, salt, argon2Time, argon2Memory, argon2Threads, PINHashSize)
}

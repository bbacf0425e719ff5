// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, IsUsageError(errors.New("unknown flag: --nope")))
	require.True(t, IsUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(t, IsUsageError(errors.New("config: No Endpoints were present")))
	require.False(t, IsUsageError(errors.New("no connection attempts succeeded before timeout")))
}

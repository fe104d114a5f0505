// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/session"
)

func TestVerifyIntegrityHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisond.db")
	store, err := NewStore(path, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(),
		&session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01")}))
	require.NoError(t, store.Close())

	problems, err := VerifyIntegrity(path, "quick")
	require.NoError(t, err)
	assert.Nil(t, problems)

	problems, err = VerifyIntegrity(path, "full")
	require.NoError(t, err)
	assert.Nil(t, problems)
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisond.db")
	store, err := NewStore(path, DefaultConfig())
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		mac := netid.MustMAC("aa:bb:cc:dd:ee:" + string([]byte{hexDigit(i / 16), hexDigit(i % 16)}))
		require.NoError(t, store.Create(context.Background(), &session.User{MAC: mac}))
	}
	require.NoError(t, store.Close())

	// Stomp a page in the middle of the file.
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(buf), 4096)
	for i := 2048; i < 2048+512 && i < len(buf); i++ {
		buf[i] ^= 0xFF
	}
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	problems, err := VerifyIntegrity(path, "full")
	if err != nil {
		// Some corruptions make the file unopenable, which is also a detection.
		return
	}
	assert.NotEmpty(t, problems)
}

func hexDigit(n int) byte {
	const digits = "0123456789abcdef"
	return digits[n&0xF]
}

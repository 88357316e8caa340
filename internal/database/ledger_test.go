package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentuwa/mediagate/router/tokens"
)

var _ tokens.NonceLedger = (*Ledger)(nil)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	l := NewLedger(db)

	t.Run("consumes a nonce once", func(t *testing.T) {
		ok, err := l.TryConsume(ctx, "n1", now)
		require.NoError(t, err)
		assert.True(t, ok)

		has, err := l.Has(ctx, "n1")
		require.NoError(t, err)
		assert.True(t, has)

		ok, err = l.TryConsume(ctx, "n1", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("prunes old entries", func(t *testing.T) {
		_, err := l.TryConsume(ctx, "n2", now.Add(9*time.Minute))
		require.NoError(t, err)

		n, err := l.Prune(ctx, 10*time.Minute, now.Add(11*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		has, _ := l.Has(ctx, "n1")
		assert.False(t, has)
		has, _ = l.Has(ctx, "n2")
		assert.True(t, has)
	})

	t.Run("works as the verifier ledger", func(t *testing.T) {
		s, err := tokens.NewSigner([]byte("secret"))
		require.NoError(t, err)
		v, err := tokens.NewVerifier([]byte("secret"), l)
		require.NoError(t, err)

		r := tokens.NewRequester("1.2.3.4", "X")
		token, err := s.Issue(tokens.ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token, r, tokens.ResourceAudio, "001001.mp3")
		require.NoError(t, err)
		_, err = v.Verify(ctx, token, r, tokens.ResourceAudio, "001001.mp3")
		assert.ErrorIs(t, err, tokens.ErrUsed)
	})
}

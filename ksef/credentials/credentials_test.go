package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/ksef-exchange/ksef"
)

func TestNormalizeNip(t *testing.T) {
	for _, in := range []string{"1111111111", "111-111-11-11", "PL1111111111", " pl 111 111 11 11 "} {
		got, err := NormalizeNip(in)
		require.NoError(t, err, in)
		assert.Equal(t, "1111111111", got)
	}

	_, err := NormalizeNip("")
	assert.ErrorIs(t, err, ksef.ErrNoNip)

	for _, bad := range []string{"123", "111111111A", "1111111112"} {
		_, err := NormalizeNip(bad)
		assert.Error(t, err, bad)
	}
}

func TestStatic(t *testing.T) {
	s := Static{Nip: "111-111-11-11", KsefToken: "tok"}
	nip, err := s.TaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1111111111", nip)
	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	_, err = Static{}.Token(context.Background())
	assert.ErrorIs(t, err, ksef.ErrNoToken)
}

func TestEnv(t *testing.T) {
	t.Setenv(EnvNip, "2222222222")
	t.Setenv(EnvToken, " secret ")

	var e Env
	nip, err := e.TaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2222222222", nip)
	tok, err := e.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	t.Setenv("OTHER_TOKEN", "")
	_, err = Env{TokenVar: "OTHER_TOKEN"}.Token(context.Background())
	assert.ErrorIs(t, err, ksef.ErrNoToken)
}

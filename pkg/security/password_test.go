package security_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/security"
)

func testPasswordConfig() config.PasswordConfig {
	return config.PasswordConfig{
		ArgonMemoryKB:    1024,
		ArgonTime:        1,
		ArgonParallelism: 1,
		ArgonSaltLen:     16,
		ArgonKeyLen:      32,
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := security.HashPassword("n4vid-pass", testPasswordConfig())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"), hash)

	ok, err := security.VerifyPassword("n4vid-pass", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = security.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := security.HashPassword("", testPasswordConfig())
	assert.Error(t, err)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!$a2V5",
	} {
		_, err := security.VerifyPassword("pw", encoded)
		assert.ErrorIs(t, err, security.ErrInvalidHash, encoded)
	}
}

func TestRandomString(t *testing.T) {
	code, err := security.RandomString(security.CodeCharset, 8)
	require.NoError(t, err)
	require.Len(t, code, 8)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(security.CodeCharset, r), "unexpected rune %q", r)
	}

	_, err = security.RandomString(security.CodeCharset, 0)
	assert.Error(t, err)
	_, err = security.RandomString("", 4)
	assert.Error(t, err)
}

func TestGeneratePasswordVaries(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		pw, err := security.GeneratePassword(12)
		require.NoError(t, err)
		seen[pw] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

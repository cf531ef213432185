package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/apierr"
)

func TestArgon2RoundTrip(t *testing.T) {
	h := NewArgon2Hasher()

	hash, err := h.Hash("Passw0rd!")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	assert.NoError(t, h.Compare(hash, "Passw0rd!"))
	assert.ErrorIs(t, h.Compare(hash, "passw0rd!"), ErrPasswordMismatch)
	assert.ErrorIs(t, h.Compare(hash, ""), ErrPasswordMismatch)
}

func TestArgon2SaltsDiffer(t *testing.T) {
	h := NewArgon2Hasher()

	a, err := h.Hash("same password 1")
	require.NoError(t, err)
	b, err := h.Hash("same password 1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NoError(t, h.Compare(a, "same password 1"))
	assert.NoError(t, h.Compare(b, "same password 1"))
}

func TestCompareIsParameterAgile(t *testing.T) {
	// A hash produced with different cost parameters still verifies:
	// Compare reads the parameters from the PHC string.
	old := &Argon2Hasher{time: 2, memory: 16 * 1024, threads: 1, keyLen: 32, saltLen: 16}
	hash, err := old.Hash("Legacy1password")
	require.NoError(t, err)

	assert.NoError(t, NewArgon2Hasher().Compare(hash, "Legacy1password"))
}

func TestCompareRejectsMalformedHash(t *testing.T) {
	h := NewArgon2Hasher()
	err := h.Compare("$2a$12$bcryptishnotargon", "whatever")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPasswordMismatch)
}

func TestPasswordStrengthPolicy(t *testing.T) {
	cases := []struct {
		password string
		ok       bool
	}{
		{"Passw0rd!", true},
		{"abcdefg1", true},
		{"1234abcd", true},
		{"short1", false},     // too short
		{"abcdefgh", false},   // no digit
		{"12345678", false},   // no letter
		{"", false},
	}
	for _, tc := range cases {
		err := ValidatePasswordStrength(tc.password)
		if tc.ok {
			assert.NoError(t, err, "password %q", tc.password)
		} else {
			assert.True(t, apierr.IsKind(err, apierr.KindPasswordWeak), "password %q", tc.password)
		}
	}
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateNumericCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}
}

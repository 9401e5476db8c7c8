package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

func TestIssueAndParse(t *testing.T) {
	id := protocol.Identity{
		UserID:      7,
		Email:       "qa@example.com",
		Departments: []int64{1, 2},
		Permissions: map[string]bool{protocol.PermViewAccounts: true},
	}
	token, err := IssueToken("secret", id, time.Minute)
	require.NoError(t, err)

	got, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("secret", protocol.Identity{UserID: 1, Email: "a@b"}, time.Minute)
	require.NoError(t, err)

	_, err = ParseToken("other", token)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := IssueToken("secret", protocol.Identity{UserID: 1, Email: "a@b"}, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken("secret", token)
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseToken("secret", "not-a-token")
	assert.Error(t, err)
}

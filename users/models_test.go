package users

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUser_MarshalJSONOmitsSecrets(t *testing.T) {
	token := "abc123"
	u := User{
		ID:                uuid.New(),
		Username:          "mockusername",
		DisplayName:       "Mock User",
		Email:             "mock@example.com",
		PasswordHash:      "$2a$10$secret",
		VerificationToken: &token,
		IsVerified:        true,
	}

	raw, err := json.Marshal(u)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, u.ID.String(), body["id"])
	assert.Equal(t, "mockusername", body["username"])
	assert.Equal(t, []any{}, body["authMethods"])
	for _, key := range []string{"password", "passwordHash", "PasswordHash", "verificationToken", "isVerified"} {
		assert.NotContains(t, body, key)
	}
	assert.NotContains(t, string(raw), "secret")
	assert.NotContains(t, string(raw), token)

	// Pointers marshal the same way.
	rawPtr, err := json.Marshal(&u)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(rawPtr))
}

func TestUser_Normalize(t *testing.T) {
	bio := "   "
	img := " https://example.com/me.png "
	u := User{
		Username:     "  MockUser ",
		Email:        " Mock@Example.COM",
		DisplayName:  "  Mock  ",
		Bio:          &bio,
		ProfileImage: &img,
	}
	u.Normalize()

	assert.Equal(t, "mockuser", u.Username)
	assert.Equal(t, "mock@example.com", u.Email)
	assert.Equal(t, "Mock", u.DisplayName)
	assert.Nil(t, u.Bio)
	require.NotNil(t, u.ProfileImage)
	assert.Equal(t, "https://example.com/me.png", *u.ProfileImage)
}

func TestUser_HasAuthMethod(t *testing.T) {
	u := User{AuthMethods: []AuthMethod{{Provider: ProviderGoogle, ProviderID: "g-1"}}}
	assert.True(t, u.HasAuthMethod(ProviderGoogle, "g-1"))
	assert.False(t, u.HasAuthMethod(ProviderGoogle, "g-2"))
	assert.False(t, u.HasAuthMethod("github", "g-1"))
}

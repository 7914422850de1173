package authstate_test

import (
	"testing"

	"github.com/goliatone/go-authstate"
	"github.com/stretchr/testify/assert"
)

func TestHashCredential(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "Valid password",
			password: "securePassword123!",
			wantErr:  false,
		},
		{
			name:     "Empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			digest, err := authstate.HashCredential(tt.password)

			if tt.wantErr {
				assert.ErrorIs(t, err, authstate.ErrEmptyCredential)
				return
			}

			assert.NoError(t, err)
			assert.NotEmpty(t, digest)
			assert.NotEqual(t, tt.password, digest)
			assert.NoError(t, authstate.CompareCredential(tt.password, digest))
		})
	}
}

func TestCompareCredential(t *testing.T) {
	password := "testPassword123!"
	digest, err := authstate.HashCredential(password)
	assert.NoError(t, err)

	tests := []struct {
		name     string
		password string
		digest   string
		wantErr  error
	}{
		{
			name:     "Matching password",
			password: password,
			digest:   digest,
		},
		{
			name:     "Wrong password",
			password: "wrongPassword",
			digest:   digest,
			wantErr:  authstate.ErrCredentialMismatch,
		},
		{
			name:     "Invalid digest",
			password: password,
			digest:   "invalidhash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authstate.CompareCredential(tt.password, tt.digest)

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.digest != digest:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

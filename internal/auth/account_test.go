// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
)

func TestRegisterInput_Validate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(in *auth.RegisterInput)
		wantFields []string
	}{
		{"valid", func(*auth.RegisterInput) {}, nil},
		{"all blank", func(in *auth.RegisterInput) { *in = auth.RegisterInput{} },
			[]string{"username", "email", "phoneNumber", "password"}},
		{"whitespace password", func(in *auth.RegisterInput) { in.Password = "   " }, []string{"password"}},
		{"short username", func(in *auth.RegisterInput) { in.Username = "ab" }, []string{"username"}},
		{"long username", func(in *auth.RegisterInput) { in.Username = "a" + strings.Repeat("b", 30) }, []string{"username"}},
		{"username starts with digit", func(in *auth.RegisterInput) { in.Username = "1alice" }, []string{"username"}},
		{"username with dash", func(in *auth.RegisterInput) { in.Username = "al-ice" }, []string{"username"}},
		{"email without at", func(in *auth.RegisterInput) { in.Email = "alice.example.com" }, []string{"email"}},
		{"email with two ats", func(in *auth.RegisterInput) { in.Email = "a@b@example.com" }, []string{"email"}},
		{"email too long", func(in *auth.RegisterInput) { in.Email = strings.Repeat("a", 250) + "@x.io" }, []string{"email"}},
		{"phone too long", func(in *auth.RegisterInput) { in.PhoneNumber = strings.Repeat("1", 33) }, []string{"phoneNumber"}},
		{"password too long", func(in *auth.RegisterInput) { in.Password = strings.Repeat("p", 1025) }, []string{"password"}},
		{"one char password is allowed", func(in *auth.RegisterInput) { in.Password = "x" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			err := in.Validate()
			if tt.wantFields == nil {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, auth.ErrValidation)

			var verr *auth.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Len(t, verr.Fields, len(tt.wantFields))
			for _, field := range tt.wantFields {
				assert.Contains(t, verr.Fields, field)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "alice", auth.NormalizeUsername("  Alice "))
	assert.Equal(t, "alice@example.com", auth.NormalizeEmail("Alice@EXAMPLE.com"))
}

func TestValidationError_ErrorIsSorted(t *testing.T) {
	err := (auth.RegisterInput{}).Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Less(t, strings.Index(msg, "email"), strings.Index(msg, "password"))
	assert.Less(t, strings.Index(msg, "password"), strings.Index(msg, "username"))
}

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"simple", "lobby", false},
		{"with separators", "team-1.daily_sync", false},
		{"empty", "", true},
		{"too long", strings.Repeat("r", 65), true},
		{"space", "my room", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice_01"))
	assert.Error(t, ValidateUsername("al"))
	assert.Error(t, ValidateUsername("alice smith"))
	assert.Error(t, ValidateUsername(strings.Repeat("a", 51)))
}

type inner struct {
	Value string `json:"value" validate:"required"`
}

type sample struct {
	Role  string  `json:"role" validate:"required,oneof=send recv"`
	Items []inner `json:"items" validate:"required,min=1,dive"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(sample{Role: "send", Items: []inner{{Value: "x"}}}))

	err := Struct(sample{Role: "both", Items: []inner{{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role must be one of [send recv]")
	assert.Contains(t, err.Error(), "items[0].value is required")

	err = Struct(sample{Role: "recv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items is required")
}

package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func TestHasPlaceholder(t *testing.T) {
	assert.True(t, HasPlaceholder("https://x.example.com/?t=<secret>token</secret>"))
	assert.False(t, HasPlaceholder("https://x.example.com/?t=abc"))
}

func TestNew_PreservesOrder(t *testing.T) {
	v, err := New([]models.SensitiveItem{
		{Key: "user", Value: "alice"},
		{Key: "password", Value: "hunter2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "password"}, v.Keys())
	assert.False(t, v.Empty())
}

func TestNew_RejectsDuplicateAndEmptyKeys(t *testing.T) {
	_, err := New([]models.SensitiveItem{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = New([]models.SensitiveItem{{Key: " ", Value: "1"}})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMask_ReplacesValuesWithPlaceholders(t *testing.T) {
	v, err := New([]models.SensitiveItem{
		{Key: "pw", Value: "hunter2"},
		{Key: "pw_long", Value: "hunter2-extra"},
	})
	require.NoError(t, err)

	masked := v.Mask("login with hunter2-extra then hunter2")
	assert.Equal(t, "login with <secret>pw_long</secret> then <secret>pw</secret>", masked)
	assert.NotContains(t, v.Redact("hunter2"), "hunter2")
}

func TestSubstitute(t *testing.T) {
	v, err := New([]models.SensitiveItem{{Key: "pw", Value: "hunter2"}})
	require.NoError(t, err)

	out, err := v.Substitute("<secret>pw</secret>")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out)

	_, err = v.Substitute("<secret>nope</secret>")
	assert.Error(t, err)

	out, err = v.Substitute("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestNilVault(t *testing.T) {
	var v *Vault
	assert.True(t, v.Empty())
	assert.Equal(t, "x", v.Mask("x"))
	_, ok := v.Lookup("k")
	assert.False(t, ok)
}

package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMasker(t *testing.T, salt string) *Masker {
	t.Helper()
	m, err := NewMasker(salt, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m
}

func TestNewMaskerRequiresSalt(t *testing.T) {
	_, err := NewMasker("", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestMaskTextEmail(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	masked := m.MaskText("contact john.doe+test@example.com for details")
	assert.NotContains(t, masked, "john.doe")
	assert.Contains(t, masked, "<HASHED:")
	assert.Contains(t, masked, "...>")
	assert.Contains(t, masked, "contact ")
	assert.Contains(t, masked, " for details")
}

func TestMaskTextPhone(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	masked := m.MaskText("call +49 1234567890 now")
	assert.NotContains(t, masked, "1234567890")
	assert.Contains(t, masked, "<HASHED:")
}

func TestMaskTextIBAN(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	masked := m.MaskText("transfer to DE89370400440532013000 today")
	assert.NotContains(t, masked, "DE89370400440532013000")
	assert.Contains(t, masked, "<HASHED:")
}

func TestMaskTextDeterministic(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	a := m.MaskText("mail alice@example.com")
	b := m.MaskText("mail alice@example.com")
	assert.Equal(t, a, b, "same input under same salt must mask identically")

	other := newTestMasker(t, "other-salt")
	c := other.MaskText("mail alice@example.com")
	assert.NotEqual(t, a, c, "different salt must produce a different mask")
}

func TestMaskTextNoPII(t *testing.T) {
	m := newTestMasker(t, "test-salt")
	text := "nothing sensitive here"
	assert.Equal(t, text, m.MaskText(text))
}

func TestMaskFieldsRecursive(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	fields := map[string]interface{}{
		"email":  "bob@example.com",
		"amount": 42.5,
		"nested": map[string]interface{}{
			"contact": "carol@example.com",
		},
	}
	masked := m.MaskFields(fields)

	assert.Contains(t, masked["email"], "<HASHED:")
	assert.Equal(t, 42.5, masked["amount"])
	nested := masked["nested"].(map[string]interface{})
	assert.Contains(t, nested["contact"], "<HASHED:")

	// Input must be untouched.
	assert.Equal(t, "bob@example.com", fields["email"])
}

func TestAnonymize(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	digest := m.Anonymize("alice@example.com")
	assert.Len(t, digest, 64)
	assert.Equal(t, digest, m.Anonymize("alice@example.com"))
	assert.Equal(t, "", m.Anonymize(""))
}

func TestIsAnonymized(t *testing.T) {
	m := newTestMasker(t, "test-salt")

	assert.True(t, IsAnonymized(""))
	assert.True(t, IsAnonymized(m.Anonymize("x")))
	assert.True(t, IsAnonymized("<HASHED:abcdef0123...>"))
	assert.False(t, IsAnonymized("alice@example.com"))
	assert.False(t, IsAnonymized("plain text"))
}

func TestMaskEmailPartial(t *testing.T) {
	assert.Equal(t, "a****e@example.com", MaskEmailPartial("alicee@example.com"))
	assert.Equal(t, "**@example.com", MaskEmailPartial("ab@example.com"))
	assert.Equal(t, "not-an-email", MaskEmailPartial("not-an-email"))
}

func TestMaskPhonePartial(t *testing.T) {
	assert.Equal(t, "*******7890", MaskPhonePartial("+4912347890"))
	assert.Equal(t, "***", MaskPhonePartial("123"))
}

func TestMaskedFormLength(t *testing.T) {
	m := newTestMasker(t, "test-salt")
	form := m.maskedForm("value")
	require.True(t, strings.HasPrefix(form, "<HASHED:"))
	require.True(t, strings.HasSuffix(form, "...>"))
	hexPart := strings.TrimSuffix(strings.TrimPrefix(form, "<HASHED:"), "...>")
	assert.Len(t, hexPart, hashedPrefixLen)
}

package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeValue_Empty(t *testing.T) {
	assert.Equal(t, "", NormalizeValue(""))
	assert.Equal(t, "", NormalizeValue("   "))
}

func TestNormalizeValue_Uppercase(t *testing.T) {
	assert.Equal(t, "ACME BILLING", NormalizeValue("Acme Billing"))
}

func TestNormalizeValue_StripLegalSuffix(t *testing.T) {
	assert.Equal(t, "ACME BILLING", NormalizeValue("Acme Billing LLC"))
	assert.Equal(t, "ACME BILLING", NormalizeValue("Acme Billing Inc."))
	assert.Equal(t, "ACME BILLING", NormalizeValue("Acme Billing Corporation"))
}

func TestNormalizeValue_Diacritics(t *testing.T) {
	assert.Equal(t, "JOSE GARCIA", NormalizeValue("José García"))
	assert.Equal(t, "MULLER", NormalizeValue("Müller"))
}

func TestNormalizeValue_Punctuation(t *testing.T) {
	assert.Equal(t, "SMITH AND JONES", NormalizeValue("Smith & Jones"))
	assert.Equal(t, "OBRIEN", NormalizeValue("O'Brien"))
	assert.Equal(t, "FIRST SECOND", NormalizeValue("First-Second"))
}

func TestNormalizeValue_CollapseSpaces(t *testing.T) {
	assert.Equal(t, "A B C", NormalizeValue("A    B \t C"))
}

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLicenseID(t *testing.T) {
	cases := map[string]string{
		"  lic-chd-001 ":  "LIC-CHD-001",
		"lic chd 001":     "LIC-CHD-001",
		"LIC__CHD--001":   "LIC-CHD-001",
		"ch/2024/156":     "CH/2024/156",
		"permit 2024 078": "PERMIT-2024-078",
		"adv-240001":      "ADV-240001",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeLicenseID(in), in)
	}
}

func TestIsKnownLicenseFormat(t *testing.T) {
	for _, id := range []string{"LIC-CHD-001", "lic chd 0012", "CH/2024/156", "ADV-240001", "PERMIT-2024-078"} {
		assert.True(t, IsKnownLicenseFormat(id), id)
	}
	for _, id := range []string{"", "LIC-CH-001", "ADV-24000", "X LIC-CHD-001", "PERMIT-2024-078-9"} {
		assert.False(t, IsKnownLicenseFormat(id), id)
	}
}

func TestExtractLicenseID(t *testing.T) {
	id, ok := ExtractLicenseID("Premium Properties Available - LIC-CHD-001")
	assert.True(t, ok)
	assert.Equal(t, "LIC-CHD-001", id)

	id, ok = ExtractLicenseID("PERMIT:CH/2024/156|AUTHORITY:CHANDIGARH")
	assert.True(t, ok)
	assert.Equal(t, "CH/2024/156", id)

	_, ok = ExtractLicenseID("SALE 50% OFF")
	assert.False(t, ok)
}

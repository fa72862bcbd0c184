package utils

import (
	"regexp"
	"strings"
)

// Recognized license id formats, most specific first.
var licensePatterns = []*regexp.Regexp{
	regexp.MustCompile(`LIC-[A-Z]{3}-\d{3,4}`),
	regexp.MustCompile(`PERMIT-\d{4}-\d{3}`),
	regexp.MustCompile(`ADV-\d{6}`),
	regexp.MustCompile(`[A-Z]{2,3}/\d{4}/\d{2,4}`),
}

var separatorRun = regexp.MustCompile(`[\s_\x{2013}\x{2014}-]+`)

// NormalizeLicenseID uppercases and trims id and collapses whitespace,
// underscores and dash variants into a single "-". Slashes are kept because
// they are part of the registry format.
func NormalizeLicenseID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	id = separatorRun.ReplaceAllString(id, "-")
	id = strings.NewReplacer("-/", "/", "/-", "/").Replace(id)
	return strings.Trim(id, "-")
}

// IsKnownLicenseFormat reports whether the normalized id matches one of the
// recognized formats in full.
func IsKnownLicenseFormat(id string) bool {
	id = NormalizeLicenseID(id)
	for _, p := range licensePatterns {
		if loc := p.FindStringIndex(id); loc != nil && loc[0] == 0 && loc[1] == len(id) {
			return true
		}
	}
	return false
}

// ExtractLicenseID finds the first recognized license id inside free text,
// such as OCR output or a QR payload like "LICENSE:LIC-CHD-002|VALID:2025-12-31".
func ExtractLicenseID(text string) (string, bool) {
	upper := strings.ToUpper(text)
	best, bestAt := "", -1
	for _, p := range licensePatterns {
		loc := p.FindStringIndex(upper)
		if loc == nil {
			continue
		}
		if bestAt < 0 || loc[0] < bestAt {
			best, bestAt = upper[loc[0]:loc[1]], loc[0]
		}
	}
	return best, bestAt >= 0
}

package sepa

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ibanLengths lists the fixed IBAN length of SEPA countries.
var ibanLengths = map[string]int{
	"AD": 24, "AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22,
	"GI": 23, "GR": 27, "HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27,
	"LI": 21, "LT": 20, "LU": 20, "LV": 21, "MC": 27, "MT": 31, "NL": 18,
	"NO": 15, "PL": 28, "PT": 25, "RO": 24, "SE": 24, "SI": 19, "SK": 24,
	"SM": 27, "VA": 22,
}

var (
	bicPattern     = regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	sepaCharacters = regexp.MustCompile(`[^a-zA-Z0-9/\-?:().,'+ ]`)
)

// NormalizeIBAN strips spaces and upper-cases an IBAN.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, iban))
}

// ValidateIBAN checks country length and the ISO 13616 mod-97 checksum.
func ValidateIBAN(iban string) bool {
	iban = NormalizeIBAN(iban)
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	if want, ok := ibanLengths[iban[:2]]; !ok || len(iban) != want {
		return false
	}

	rearranged := iban[4:] + iban[:4]
	var digits strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			digits.WriteString(strconv.Itoa(int(r-'A') + 10))
		default:
			return false
		}
	}

	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

// ValidateBIC checks the 8 or 11 character BIC format.
func ValidateBIC(bic string) bool {
	return bicPattern.MatchString(strings.ToUpper(strings.TrimSpace(bic)))
}

// MaskIBAN keeps the country, check digits and last four characters.
func MaskIBAN(iban string) string {
	iban = NormalizeIBAN(iban)
	if len(iban) <= 8 {
		return strings.Repeat("*", len(iban))
	}
	return iban[:4] + strings.Repeat("*", len(iban)-8) + iban[len(iban)-4:]
}

// SanitizeText reduces s to the SEPA Latin character set and truncates it.
func SanitizeText(s string, max int) string {
	replacer := strings.NewReplacer(
		"ä", "a", "ö", "o", "ü", "u", "ß", "ss", "é", "e", "è", "e", "ë", "e",
		"ï", "i", "á", "a", "à", "a", "ç", "c", "ñ", "n", "ó", "o", "ú", "u",
		"Ä", "A", "Ö", "O", "Ü", "U", "É", "E", "&", "+",
	)
	s = sepaCharacters.ReplaceAllString(replacer.Replace(s), "")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max]
	}
	return s
}

package carddata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const maskChar = "*"

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}

// MaskCardNumber keeps the first 6 and last 4 digits. Numbers too short to
// hide anything between those keep only the last 4.
func MaskCardNumber(pan string) string {
	cleaned := NormalizePAN(pan)
	n := len(cleaned)
	switch {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat(maskChar, n)
	case n <= 10:
		return strings.Repeat(maskChar, n-4) + cleaned[n-4:]
	}
	return cleaned[:6] + strings.Repeat(maskChar, n-10) + cleaned[n-4:]
}

// ValidatePAN checks digits only, 13..19 long, with a valid Luhn check digit.
func ValidatePAN(pan string) error {
	if pan == "" {
		return fmt.Errorf("pan is required")
	}
	if !isDigits(pan) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(pan); l < 13 || l > 19 {
		return fmt.Errorf("pan length must be 13..19 digits (got %d)", l)
	}
	if pan[len(pan)-1] != luhnCheckDigit(pan[:len(pan)-1]) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func luhnCheckDigit(body string) byte {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return '0' + byte((10-(sum%10))%10)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Fingerprint is an HMAC-SHA256 of the PAN under a pepper. It identifies a
// card without being reversible.
func Fingerprint(pan string, pepper []byte) string {
	h := hmac.New(sha256.New, pepper)
	h.Write([]byte(pan))
	return hex.EncodeToString(h.Sum(nil))
}

const (
	BrandVisa       = "VISA"
	BrandMastercard = "MASTERCARD"
	BrandAmex       = "AMEX"
	BrandTroy       = "TROY"
	BrandUnknown    = "UNKNOWN"
)

// DetectBrand classifies a PAN by its IIN range.
func DetectBrand(pan string) string {
	if len(pan) < 6 || !isDigits(pan[:6]) {
		return BrandUnknown
	}
	two := int(pan[0]-'0')*10 + int(pan[1]-'0')
	four := two*100 + int(pan[2]-'0')*10 + int(pan[3]-'0')
	switch {
	case pan[0] == '4':
		return BrandVisa
	case two >= 51 && two <= 55, four >= 2221 && four <= 2720:
		return BrandMastercard
	case two == 34 || two == 37:
		return BrandAmex
	case four == 9792:
		return BrandTroy
	}
	return BrandUnknown
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

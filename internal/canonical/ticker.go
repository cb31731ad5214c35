// Package canonical normalizes instrument codes and date/time values from
// the encodings the upstream sources emit into one canonical form, and
// back out to any upstream wire format.
//
// The canonical ticker is a 6-digit numeric string; the market a ticker
// trades on is derivable from its prefix, so it is never stored.
package canonical

import "strings"

// Market names derivable from a canonical ticker prefix.
const (
	MarketSSEMain  = "SSE Main Board"
	MarketSTAR     = "STAR Market"
	MarketSZSEMain = "SZSE Main Board"
	MarketSME      = "SME Board"
	MarketChiNext  = "ChiNext"
	MarketBSE      = "BSE"
	MarketUnknown  = "Unknown"
)

// NormalizeTicker converts any supported ticker spelling to the canonical
// 6-digit form. Accepted inputs include "000001", "000001.SZ", "sz000001",
// "0.000001" and short codes like "1" (zero-padded). Returns a FormatError
// when the result is not exactly 6 digits.
func NormalizeTicker(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", formatErr(raw, "empty ticker")
	}

	// "000001.SZ": exchange suffix after the last dot
	if i := strings.LastIndex(s, "."); i >= 0 && allLetters(s[i+1:]) {
		s = s[:i]
	}

	// "sz000001": two-letter lowercase exchange prefix
	if len(s) > 2 && isLowerLetter(s[0]) && isLowerLetter(s[1]) {
		s = s[2:]
	}

	// "0.000001": positional market prefix "<digit>."
	if len(s) > 2 && isDigit(s[0]) && s[1] == '.' {
		s = s[2:]
	}

	if !allDigits(s) {
		return "", formatErr(raw, "ticker is not numeric")
	}
	if len(s) > 6 {
		return "", formatErr(raw, "ticker longer than 6 digits")
	}
	for len(s) < 6 {
		s = "0" + s
	}
	return s, nil
}

// Market returns the market a canonical ticker trades on. An unknown
// prefix maps to MarketUnknown, never an error.
func Market(code string) string {
	if len(code) != 6 || !allDigits(code) {
		return MarketUnknown
	}
	switch code[:3] {
	case "600", "601", "603", "605":
		return MarketSSEMain
	case "688", "689":
		return MarketSTAR
	case "000":
		return MarketSZSEMain
	case "002":
		return MarketSME
	case "300":
		return MarketChiNext
	}
	switch code[0] {
	case '4', '8':
		return MarketBSE
	}
	return MarketUnknown
}

// ExchangePrefix returns the lowercase wire prefix ("sh"/"sz"/"bj") a
// provider expects in front of a canonical ticker.
func ExchangePrefix(code string) string {
	switch Market(code) {
	case MarketSSEMain, MarketSTAR:
		return "sh"
	case MarketBSE:
		return "bj"
	default:
		return "sz"
	}
}

func isDigit(c byte) bool       { return c >= '0' && c <= '9' }
func isLowerLetter(c byte) bool { return c >= 'a' && c <= 'z' }

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func allLetters(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

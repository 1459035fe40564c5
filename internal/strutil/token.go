package strutil

import (
	"strings"

	"github.com/indigo-web/utils/strcomp"
)

// TokenParamResult is the outcome of TokenParam.
type TokenParamResult uint8

const (
	// TokenMissing means the value doesn't start with the token.
	TokenMissing TokenParamResult = iota
	// TokenBadFormat means the token is there, but the parameters are malformed.
	TokenBadFormat
	// TokenParamMissing means the token is there, but the required parameter is not.
	TokenParamMissing
	// TokenOK means both the token and the parameter are found.
	TokenOK
)

// TokenParam checks whether the field value starts with the token (case-insensitively) and
// looks up the required parameter among its ;-separated parameters. The returned param is
// raw: if quoted is true, it still contains the escapes but not the surrounding quotes.
func TokenParam(value, token, name string) (res TokenParamResult, param string, quoted bool) {
	value = TrimOWS(value)
	if len(value) < len(token) || !strcomp.EqualFold(value[:len(token)], token) {
		return TokenMissing, "", false
	}

	rest := value[len(token):]
	if len(rest) > 0 && rest[0] != ';' && !isOWS(rest[0]) {
		return TokenMissing, "", false
	}

	rest = LStripWS(rest)
	for len(rest) > 0 {
		if rest[0] != ';' {
			return TokenBadFormat, "", false
		}

		rest = LStripWS(rest[1:])
		if len(rest) == 0 {
			// trailing semicolon is tolerated
			break
		}

		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return TokenBadFormat, "", false
		}

		key := RStripWS(rest[:eq])
		rest = LStripWS(rest[eq+1:])

		var (
			val      string
			isQuoted bool
		)

		if len(rest) > 0 && rest[0] == '"' {
			end := closingQuote(rest)
			if end == -1 {
				return TokenBadFormat, "", false
			}

			val, rest, isQuoted = rest[1:end], rest[end+1:], true
		} else {
			end := strings.IndexByte(rest, ';')
			if end == -1 {
				end = len(rest)
			}

			val, rest = RStripWS(rest[:end]), rest[end:]
			if len(val) == 0 || strings.IndexAny(val, " \t\"") != -1 {
				return TokenBadFormat, "", false
			}
		}

		if strcomp.EqualFold(key, name) {
			return TokenOK, val, isQuoted
		}

		rest = LStripWS(rest)
	}

	return TokenParamMissing, "", false
}

// closingQuote returns the index of the closing double quote of the quoted-string at the
// beginning of str, skipping escaped characters.
func closingQuote(str string) int {
	for i := 1; i < len(str); i++ {
		switch str[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}

	return -1
}

// HasToken reports whether the comma-separated list contains the token, compared
// case-insensitively. Parameters of list elements are ignored.
func HasToken(list, token string) bool {
	for len(list) > 0 {
		var elem string
		if comma := strings.IndexByte(list, ','); comma == -1 {
			elem, list = list, ""
		} else {
			elem, list = list[:comma], list[comma+1:]
		}

		if semicolon := strings.IndexByte(elem, ';'); semicolon != -1 {
			elem = elem[:semicolon]
		}

		if strcomp.EqualFold(TrimOWS(elem), token) {
			return true
		}
	}

	return false
}

// LastToken returns the last element of the comma-separated list.
func LastToken(list string) string {
	if comma := strings.LastIndexByte(list, ','); comma != -1 {
		list = list[comma+1:]
	}

	if semicolon := strings.IndexByte(list, ';'); semicolon != -1 {
		list = list[:semicolon]
	}

	return TrimOWS(list)
}

func isOWS(c byte) bool {
	return c == ' ' || c == '\t'
}

// LStripWS strips leading spaces and horizontal tabs.
func LStripWS(str string) string {
	for i := 0; i < len(str); i++ {
		if !isOWS(str[i]) {
			return str[i:]
		}
	}

	return ""
}

// RStripWS strips trailing spaces and horizontal tabs.
func RStripWS(str string) string {
	for i := len(str); i > 0; i-- {
		if !isOWS(str[i-1]) {
			return str[:i]
		}
	}

	return ""
}

func TrimOWS(str string) string {
	return RStripWS(LStripWS(str))
}

// TrimOWSBytes is the same as TrimOWS, but for byte slices.
func TrimOWSBytes(b []byte) []byte {
	for len(b) > 0 && isOWS(b[0]) {
		b = b[1:]
	}

	for len(b) > 0 && isOWS(b[len(b)-1]) {
		b = b[:len(b)-1]
	}

	return b
}

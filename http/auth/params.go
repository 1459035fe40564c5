package auth

import (
	"strings"

	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/strcomp"
)

// digestParams are the fields of the Digest Authorization header.
type digestParams struct {
	username  string
	realm     string
	nonce     string
	uri       string
	response  string
	algorithm string
	cnonce    string
	opaque    string
	qop       string
	nc        string
}

func digestHeader(req *http.Request) (params digestParams, res Result) {
	value, found := req.Value(http.KindHeader, "Authorization")
	if !found {
		return params, HeaderMissing
	}

	rest, ok := schemeParams(value, "Digest")
	if !ok {
		return params, HeaderMissing
	}

	if !parseParams(rest, func(key, value string) {
		switch {
		case strcomp.EqualFold(key, "username"):
			params.username = value
		case strcomp.EqualFold(key, "realm"):
			params.realm = value
		case strcomp.EqualFold(key, "nonce"):
			params.nonce = value
		case strcomp.EqualFold(key, "uri"):
			params.uri = value
		case strcomp.EqualFold(key, "response"):
			params.response = value
		case strcomp.EqualFold(key, "algorithm"):
			params.algorithm = value
		case strcomp.EqualFold(key, "cnonce"):
			params.cnonce = value
		case strcomp.EqualFold(key, "opaque"):
			params.opaque = value
		case strcomp.EqualFold(key, "qop"):
			params.qop = value
		case strcomp.EqualFold(key, "nc"):
			params.nc = value
		}
	}) {
		return params, HeaderMalformed
	}

	if len(params.username) == 0 || len(params.nonce) == 0 || len(params.response) == 0 {
		return params, HeaderMalformed
	}

	return params, Valid
}

// parseParams walks the comma-separated list of auth-params. Values may be either tokens
// or quoted strings.
func parseParams(str string, fn func(key, value string)) bool {
	for {
		str = strutil.LStripWS(str)
		for len(str) > 0 && str[0] == ',' {
			str = strutil.LStripWS(str[1:])
		}

		if len(str) == 0 {
			return true
		}

		eq := strings.IndexByte(str, '=')
		if eq <= 0 {
			return false
		}

		key := strutil.RStripWS(str[:eq])
		str = strutil.LStripWS(str[eq+1:])

		var value string
		if len(str) > 0 && str[0] == '"' {
			end := closingQuote(str)
			if end == -1 {
				return false
			}

			unquoted, ok := strutil.UnquoteString(str[:end+1])
			if !ok {
				return false
			}

			value, str = unquoted, str[end+1:]
		} else {
			comma := strings.IndexByte(str, ',')
			if comma == -1 {
				comma = len(str)
			}

			value, str = strutil.RStripWS(str[:comma]), str[comma:]
		}

		fn(key, value)

		str = strutil.LStripWS(str)
		if len(str) > 0 && str[0] != ',' {
			return false
		}
	}
}

// closingQuote returns the index of the quote closing the string opened at zero.
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

package http1

import "github.com/indigo-web/mhd/config"

// rules are the concrete allowances of a discipline level. Every more permissive level
// allows at least everything the stricter ones do.
type rules struct {
	// maxEmptyLines is the number of empty lines skipped before the request line
	maxEmptyLines int
	// replaceBareCR replaces bare CR in the request line and field lines with SP,
	// otherwise the request is rejected
	replaceBareCR bool
	// targetWhitespace tolerates whitespace inside the request target
	targetWhitespace bool
	// bareLF accepts LF without the preceding CR as a line terminator
	bareLF bool
	// noHost accepts HTTP/1.1 requests without the Host header
	noHost bool
	// duplicateHost accepts several Host headers, the first one wins
	duplicateHost bool
	// obsFold accepts obsolete line folding
	obsFold bool
	// skipMalformedLines skips field lines without a colon and whitespace-preceded
	// lines right after the request line
	skipMalformedLines bool
	// nameWhitespace trims whitespace between the field name and the colon
	nameWhitespace bool
	// laxFieldNames accepts field names with non-token characters
	laxFieldNames bool
	// ignoreLengthWithChunked ignores Content-Length if Transfer-Encoding is present
	ignoreLengthWithChunked bool
	// chunkExtWhitespace accepts whitespace around chunk extensions and after the size
	chunkExtWhitespace bool
	// chunkBareLF accepts bare LF in the chunked framing
	chunkBareLF bool
	// dropMalformedCookies drops the whole Cookie header if any pair is malformed.
	// Otherwise, malformed pairs are skipped
	dropMalformedCookies bool
	// laxCookieValues accepts whitespace and other non cookie-octet characters in values
	laxCookieValues bool
	// impliedBodyZero treats POST, PUT and PATCH without framing headers as bodiless,
	// otherwise 411 is replied
	impliedBodyZero bool
}

func newRules(d config.Discipline) rules {
	r := rules{
		replaceBareCR:           d <= config.Strict,
		targetWhitespace:        d <= config.VeryPermissive,
		bareLF:                  d <= config.DefaultDiscipline,
		noHost:                  d <= config.ExtraPermissive,
		duplicateHost:           d <= config.ExtraPermissive,
		obsFold:                 d <= config.Strict,
		skipMalformedLines:      d <= config.DefaultDiscipline,
		nameWhitespace:          d <= config.VeryPermissive,
		laxFieldNames:           d <= config.Permissive,
		ignoreLengthWithChunked: d <= config.DefaultDiscipline,
		chunkExtWhitespace:      d <= config.DefaultDiscipline,
		chunkBareLF:             d <= config.DefaultDiscipline,
		dropMalformedCookies:    d >= config.Strict,
		laxCookieValues:         d <= config.Permissive,
		impliedBodyZero:         d <= config.DefaultDiscipline,
	}

	switch {
	case d >= config.VeryStrict:
		r.maxEmptyLines = 0
	case d >= config.DefaultDiscipline:
		r.maxEmptyLines = 1
	case d == config.Permissive:
		r.maxEmptyLines = 4
	default:
		r.maxEmptyLines = 16
	}

	return r
}

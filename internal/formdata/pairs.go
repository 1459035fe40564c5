package formdata

import (
	"bytes"

	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/uf"
)

// feedPairs parses name=value pairs, separated by & in url-encoded bodies and by line
// breaks in text/plain ones.
func (p *Parser) feedPairs(data []byte) (int, http.UploadAction) {
	sep := p.separator()

	for i := 0; i < len(data); {
		if !p.active {
			p.startField()
		}

		if !p.inValue {
			end := len(data)
			if j := indexEither(data[i:], '=', sep); j != -1 {
				end = i + j
			}

			if !p.write(data[i:end]) {
				p.fail(http.PostFailedNoLargeBufMem)
				return len(data), http.UploadContinue()
			}

			if end == len(data) {
				return len(data), http.UploadContinue()
			}

			i = end + 1
			if data[end] == '=' {
				p.nameDone()
				p.inValue = true
				p.startValue()
				continue
			}

			if sep == '\n' && !p.lineEnd(p.used > p.cur.start && p.mem[p.used-1] == '\r') {
				return len(data), http.UploadContinue()
			}

			if act := p.endPair(); act.Kind != http.UploadKindContinue {
				return i, act
			}

			continue
		}

		end := len(data)
		if j := bytes.IndexByte(data[i:], sep); j != -1 {
			end = i + j
		}

		var (
			n          int
			act        http.UploadAction
			terminated = end < len(data)
		)

		if p.enc == http.PostEncodingText {
			n, act = p.textValue(data[i:end], terminated)
		} else {
			n, act = p.value(data[i:end])
		}

		switch {
		case act.Kind != http.UploadKindContinue:
			return i + n, act
		case p.stopped || !terminated:
			return len(data), http.UploadContinue()
		}

		i = end + 1
		if act = p.endPair(); act.Kind != http.UploadKindContinue {
			return i, act
		}
	}

	return len(data), http.UploadContinue()
}

// textValue consumes a piece of a text/plain value. A CR ending the piece is held back
// until it's known whether it belongs to the line terminator.
func (p *Parser) textValue(piece []byte, terminated bool) (int, http.UploadAction) {
	held := p.heldCR
	p.heldCR = false

	crlf := len(piece) > 0 && piece[len(piece)-1] == '\r'
	if crlf {
		piece = piece[:len(piece)-1]
	}

	if held {
		if terminated && len(piece) == 0 && !crlf {
			// the held CR terminates the line
			return 0, http.UploadContinue()
		}

		if _, act := p.value([]byte{'\r'}); act.Kind != http.UploadKindContinue {
			return 0, act
		}
	}

	if terminated && !p.lineEnd(crlf) {
		return 0, http.UploadContinue()
	}

	n, act := p.value(piece)
	if act.Kind == http.UploadKindContinue && !terminated {
		p.heldCR = crlf
	}

	return n, act
}

// lineEnd checks the line terminator of a text/plain body. It returns false if the
// parsing failed.
func (p *Parser) lineEnd(crlf bool) bool {
	if crlf || p.bareLF {
		return true
	}

	p.fail(http.PostFailedInvalidPostFormat)
	return false
}

func (p *Parser) finishPairs() http.UploadAction {
	// a CR right before the end of the body is dropped like a line terminator
	p.heldCR = false

	if !p.active || (!p.inValue && p.used == p.cur.start) {
		p.active = false
		return http.UploadContinue()
	}

	return p.endPair()
}

func (p *Parser) separator() byte {
	if p.enc == http.PostEncodingText {
		return '\n'
	}

	return '&'
}

// nameDone completes the name of the current field. Url-encoded names are decoded in place.
func (p *Parser) nameDone() {
	name := p.mem[p.cur.start:p.used]
	if p.enc == http.PostEncodingText {
		name = trimCR(name)
	} else {
		name = p.decode(name)
	}

	p.cur.nameLen = len(name)
	p.cur.name = uf.B2S(name)
}

func (p *Parser) endPair() http.UploadAction {
	if !p.inValue {
		p.nameDone()
	} else if !p.cur.streamed && p.enc != http.PostEncodingText {
		// text/plain values never include the line terminator
		p.cur.valLen = len(p.decode(p.mem[p.cur.valOff : p.cur.valOff+p.cur.valLen]))
	}

	return p.endField()
}

// decode decodes the url-encoded string in place. Malformed escapes invalidate the field.
func (p *Parser) decode(b []byte) []byte {
	strutil.PlusToSpace(b)
	n, ok := strutil.PctDecodeStrict(b)
	if !ok {
		p.cur.invalid = true
		return b[:0]
	}

	return b[:n]
}

func indexEither(data []byte, a, b byte) int {
	for i, c := range data {
		if c == a || c == b {
			return i
		}
	}

	return -1
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}

	return b
}

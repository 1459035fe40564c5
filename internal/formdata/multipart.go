package formdata

import (
	"bytes"
	"strings"

	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
)

type multipartState uint8

const (
	mpPreamble multipartState = iota
	// mpBoundaryTail follows the delimiter: either -- or an optional padding and CRLF
	mpBoundaryTail
	mpBoundaryDash
	mpBoundaryLF
	mpHeaders
	mpBody
	mpEpilogue
)

func (p *Parser) feedMultipart(data []byte) (int, http.UploadAction) {
	for i := 0; i < len(data); {
		switch p.mp {
		case mpPreamble, mpBody:
			n, found, act := p.scan(data[i:])
			i += n
			if act.Kind != http.UploadKindContinue {
				return i, act
			}

			if !found {
				continue
			}

			inBody := p.mp == mpBody
			p.mp = mpBoundaryTail
			if inBody {
				if act = p.endField(); act.Kind != http.UploadKindContinue {
					return i, act
				}
			}
		case mpBoundaryTail:
			switch data[i] {
			case '-':
				p.mp = mpBoundaryDash
			case ' ', '\t':
			case '\r':
				p.mp = mpBoundaryLF
			case '\n':
				if !p.bareLF {
					p.fail(http.PostFailedInvalidPostFormat)
					return len(data), http.UploadContinue()
				}

				p.startPart()
			default:
				p.fail(http.PostFailedInvalidPostFormat)
				return len(data), http.UploadContinue()
			}

			i++
		case mpBoundaryDash:
			if data[i] != '-' {
				p.fail(http.PostFailedInvalidPostFormat)
				return len(data), http.UploadContinue()
			}

			p.mp = mpEpilogue
			i++
		case mpBoundaryLF:
			if data[i] != '\n' {
				p.fail(http.PostFailedInvalidPostFormat)
				return len(data), http.UploadContinue()
			}

			p.startPart()
			i++
		case mpHeaders:
			end := len(data)
			lf := bytes.IndexByte(data[i:], '\n')
			if lf != -1 {
				end = i + lf
			}

			if !p.write(data[i:end]) {
				p.fail(http.PostFailedNoLargeBufMem)
				return len(data), http.UploadContinue()
			}

			if lf == -1 {
				return len(data), http.UploadContinue()
			}

			i = end + 1
			if !p.headerLine() {
				return len(data), http.UploadContinue()
			}
		case mpEpilogue:
			return len(data), http.UploadContinue()
		}
	}

	return len(data), http.UploadContinue()
}

// scan looks for the delimiter. Everything before it is the value of the current part,
// or the preamble, which is ignored.
func (p *Parser) scan(data []byte) (n int, found bool, act http.UploadAction) {
	act = http.UploadContinue()

	for i := 0; i < len(data); {
		if p.matched > 0 {
			if data[i] == p.delim[p.matched] {
				i++
				if p.matched++; p.matched == len(p.delim) {
					p.matched = 0
					return i, true, act
				}

				continue
			}

			// false alarm: the matched part belongs to the value. The delimiter has no CRs
			// except the leading one, so the matching restarts from the current byte
			k, act := p.partValue(p.delim[:p.matched])
			if k == 0 && act.Kind != http.UploadKindContinue {
				return i, false, act
			}

			p.matched = 0
			if act.Kind != http.UploadKindContinue {
				return i, false, act
			}

			continue
		}

		end := len(data)
		cr := bytes.IndexByte(data[i:], '\r')
		if cr != -1 {
			end = i + cr
		}

		k, act := p.partValue(data[i:end])
		if act.Kind != http.UploadKindContinue {
			return i + k, false, act
		}

		if cr == -1 {
			break
		}

		i = end + 1
		p.matched = 1
	}

	return len(data), false, act
}

func (p *Parser) partValue(data []byte) (int, http.UploadAction) {
	if p.mp == mpPreamble {
		return len(data), http.UploadContinue()
	}

	return p.value(data)
}

func (p *Parser) startPart() {
	p.mp = mpHeaders
	p.startField()
	p.lineOff = p.used
}

// headerLine processes a complete part header line. It returns false if the parsing
// failed.
func (p *Parser) headerLine() bool {
	raw := p.mem[p.lineOff:p.used]
	line := trimCR(raw)
	// the line stays intact until the next write, and nothing is kept referring to it
	p.used = p.lineOff

	if len(line) == len(raw) && !p.bareLF {
		p.fail(http.PostFailedInvalidPostFormat)
		return false
	}

	if len(line) == 0 {
		if len(p.cur.name) == 0 {
			p.fail(http.PostFailedInvalidPostFormat)
			return false
		}

		p.mp = mpBody
		p.startValue()
		return true
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		p.fail(http.PostFailedInvalidPostFormat)
		return false
	}

	key := uf.B2S(line[:colon])
	value := strutil.TrimOWS(uf.B2S(line[colon+1:]))

	switch {
	case strcomp.EqualFold(key, "Content-Disposition"):
		name, ok := param(value, "name")
		if !ok || !name.Valid {
			p.fail(http.PostFailedInvalidPostFormat)
			return false
		}

		if p.cur.filename, ok = param(value, "filename"); !ok {
			p.fail(http.PostFailedInvalidPostFormat)
			return false
		}

		p.cur.name = name.Value
	case strcomp.EqualFold(key, "Content-Type"):
		p.cur.contentType = http.Str(strings.Clone(value))
	case strcomp.EqualFold(key, "Content-Transfer-Encoding"):
		p.cur.transferEncoding = http.Str(strings.Clone(value))
	}

	return true
}

// param extracts the parameter of the form-data disposition. The result never shares
// memory with the value.
func param(value, name string) (http.NullableString, bool) {
	res, raw, quoted := strutil.TokenParam(value, "form-data", name)
	switch res {
	case strutil.TokenOK:
	case strutil.TokenParamMissing:
		return http.Null, true
	default:
		return http.Null, false
	}

	if !quoted {
		return http.Str(strings.Clone(raw)), true
	}

	buf := make([]byte, len(raw))
	n, ok := strutil.Unquote(buf, uf.S2B(raw))
	if !ok {
		return http.Null, false
	}

	return http.Str(uf.B2S(buf[:n])), true
}

func (p *Parser) finishMultipart() http.UploadAction {
	switch p.mp {
	case mpEpilogue:
		return http.UploadContinue()
	case mpBody:
		if p.matched > 0 {
			k, act := p.value(p.delim[:p.matched])
			if k == 0 && act.Kind != http.UploadKindContinue {
				return act
			}

			p.matched = 0
			if act.Kind != http.UploadKindContinue {
				return act
			}
		}

		p.degrade(http.PostOKBadTermination)
		p.mp = mpEpilogue
		return p.endField()
	default:
		p.degrade(http.PostOKBadTermination)
		p.mp = mpEpilogue
		return http.UploadContinue()
	}
}

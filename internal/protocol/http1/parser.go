package http1

import (
	"bytes"
	"strconv"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/method"
	"github.com/indigo-web/mhd/http/proto"
	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
)

type parserState uint8

const (
	eRequestLine parserState = iota
	eHeaderLineStart
	eHeaderLine
)

// Parser is an incremental parser of the request line and the header section (or the
// trailer section of a chunked body). Every line is copied into the memory pool and all
// the request strings refer to the pool.
type Parser struct {
	state   parserState
	rules   rules
	cfg     *config.Config
	pool    *mempool.Pool
	request *http.Request
	kind    http.ValueKind

	// pending is set when a complete field line waits for the first byte of the next
	// line, which tells whether it's folded.
	pending  bool
	skipLine bool

	emptyLines int
	// bareCRs is the number of bare CRs replaced by SP
	bareCRs int
	// skippedLines is the number of malformed field lines ignored
	skippedLines int

	hostSeen      bool
	lengthSeen    bool
	teSeen        bool
	teUnsupported bool
	contentLength uint64

	connClose      bool
	keepAlive      bool
	expectContinue bool
}

func NewParser(cfg *config.Config, pool *mempool.Pool, request *http.Request) *Parser {
	return &Parser{
		state:   eRequestLine,
		rules:   newRules(cfg.Protocol.Discipline),
		cfg:     cfg,
		pool:    pool,
		request: request,
		kind:    http.KindHeader,
	}
}

// Parse consumes the data until the end of the header section. Once it's reached, done is
// set and extra contains the unconsumed rest of the data. If not done, all the data is
// consumed. Errors are always code.Code.
func (p *Parser) Parse(data []byte) (done bool, extra []byte, err error) {
	pool := p.pool

	switch p.state {
	case eRequestLine:
		goto requestLine
	case eHeaderLineStart:
		goto headerLineStart
	case eHeaderLine:
		goto headerLine
	default:
		panic("unreachable code")
	}

requestLine:
	{
		lf := bytes.IndexByte(data, '\n')
		if lf == -1 {
			if !pool.Append(data) {
				return true, nil, code.RequestLineTooBig
			}

			p.state = eRequestLine
			return false, nil, nil
		}

		if !pool.Append(data[:lf]) {
			return true, nil, code.RequestLineTooBig
		}

		data = data[lf+1:]
		if !p.trimCR() && !p.rules.bareLF {
			return true, nil, code.BareLFNotAllowed
		}

		if pool.SegmentLength() == 0 {
			if p.emptyLines++; p.emptyLines > p.rules.maxEmptyLines {
				return true, nil, code.TooManyEmptyLines
			}

			goto requestLine
		}

		if err = p.processRequestLine(pool.Finish()); err != nil {
			return true, nil, err
		}

		goto headerLineStart
	}

headerLineStart:
	if len(data) == 0 {
		p.state = eHeaderLineStart
		return false, nil, nil
	}

	if isOWS(data[0]) {
		if !p.pending {
			// whitespace-preceded line with nothing to be folded into, e.g. right
			// after the request line
			if !p.rules.skipMalformedLines {
				return true, nil, code.FieldLineMalformed
			}

			p.skipLine = true
			goto headerLine
		}

		if !p.rules.obsFold {
			return true, nil, code.ObsFoldNotAllowed
		}

		// obs-fold is replaced by a single SP, the leading whitespace of the
		// continuation line is kept
		if !pool.AppendByte(' ') {
			return true, nil, code.HeaderTooBig
		}

		p.pending = false
		goto headerLine
	}

	if p.pending {
		if err = p.commitLine(); err != nil {
			return true, nil, err
		}
	}

headerLine:
	{
		lf := bytes.IndexByte(data, '\n')
		if lf == -1 {
			if !pool.Append(data) {
				return true, nil, code.HeaderTooBig
			}

			p.state = eHeaderLine
			return false, nil, nil
		}

		if !pool.Append(data[:lf]) {
			return true, nil, code.HeaderTooBig
		}

		data = data[lf+1:]
		if !p.trimCR() && !p.rules.bareLF {
			return true, nil, code.BareLFNotAllowed
		}

		if p.skipLine {
			p.skipLine = false
			p.skippedLines++
			pool.Discard()
			goto headerLineStart
		}

		if pool.SegmentLength() == 0 {
			if p.kind == http.KindHeader {
				err = p.finish()
			}

			return true, data, err
		}

		p.pending = true
		goto headerLineStart
	}
}

// StartFooters prepares the parser for the trailer section of a chunked body.
func (p *Parser) StartFooters() {
	p.kind = http.KindFooter
	p.state = eHeaderLineStart
	p.pending = false
}

// Reset prepares the parser for the next request.
func (p *Parser) Reset() {
	*p = Parser{
		state:   eRequestLine,
		rules:   p.rules,
		cfg:     p.cfg,
		pool:    p.pool,
		request: p.request,
		kind:    http.KindHeader,
	}
}

// KeepAlive reports whether the client is willing to keep the connection open.
func (p *Parser) KeepAlive() bool {
	if p.connClose {
		return false
	}

	return p.request.Protocol == proto.HTTP11 || p.keepAlive
}

// ExpectContinue reports whether the client waits for 100 Continue before sending the body.
func (p *Parser) ExpectContinue() bool {
	return p.expectContinue && p.request.Protocol == proto.HTTP11
}

// trimCR removes the trailing CR of the current segment, if presented.
func (p *Parser) trimCR() bool {
	segment := p.pool.Preview()
	if len(segment) > 0 && segment[len(segment)-1] == '\r' {
		p.pool.Trunc(1)
		return true
	}

	return false
}

func (p *Parser) processRequestLine(slot mempool.Slot) error {
	line := p.pool.Bytes(slot)
	for i, c := range line {
		if c == '\r' {
			if !p.rules.replaceBareCR {
				return code.BareCRInRequestLine
			}

			line[i] = ' '
			p.bareCRs++
		}
	}

	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 || !isToken(line[:sp]) {
		return code.MethodMalformed
	}

	methodToken, rest := line[:sp], line[sp+1:]
	last := bytes.LastIndexByte(rest, ' ')
	if last == -1 {
		return code.ConnectionParseFailClosed
	}

	target, version := rest[:last], rest[last+1:]
	if p.rules.targetWhitespace {
		target = strutil.TrimOWSBytes(target)
	}

	for _, c := range target {
		switch {
		case c == ' ' || c == '\t':
			if !p.rules.targetWhitespace {
				return code.WhitespaceInTarget
			}
		case c < 0x20 || c == 0x7f:
			return code.TargetMalformed
		}
	}

	if len(target) == 0 {
		return code.TargetMalformed
	}

	protocol := proto.FromBytes(version)
	if protocol == proto.Unknown {
		if proto.IsHTTPLike(version) {
			return code.VersionUnsupported
		}

		return code.ConnectionParseFailClosed
	}

	request := p.request
	request.Protocol = protocol
	request.MethodString = uf.B2S(methodToken)
	request.Method = method.Parse(request.MethodString)

	// the target is decoded in place, so the raw one is preserved in a copy
	if !p.pool.Append(target) {
		return code.RequestLineTooBig
	}

	request.RawTarget = p.pool.String(p.pool.Finish())
	p.parseTarget(target)

	return nil
}

func (p *Parser) parseTarget(target []byte) {
	request := p.request
	raw := request.RawTarget

	if hash := bytes.IndexByte(target, '#'); hash != -1 {
		target, raw = target[:hash], raw[:hash]
	}

	path := target
	if q := bytes.IndexByte(target, '?'); q != -1 {
		path = target[:q]
		request.Query = raw[q+1:]
		p.parseArgs(target[q+1:])
	}

	n, _ := strutil.PctDecodeLenient(path)
	request.Path = uf.B2S(path[:n])
}

func (p *Parser) parseArgs(query []byte) {
	for len(query) > 0 {
		var arg []byte
		if amp := bytes.IndexByte(query, '&'); amp == -1 {
			arg, query = query, nil
		} else {
			arg, query = query[:amp], query[amp+1:]
		}

		if len(arg) == 0 {
			continue
		}

		if !p.cfg.Protocol.NoPlusToSpace {
			strutil.PlusToSpace(arg)
		}

		eq := bytes.IndexByte(arg, '=')
		if eq == -1 {
			n, _ := strutil.PctDecodeLenient(arg)
			p.request.AddField(http.KindGetArgument, uf.B2S(arg[:n]), http.Null)
			continue
		}

		name, value := arg[:eq], arg[eq+1:]
		n, _ := strutil.PctDecodeLenient(name)
		m, _ := strutil.PctDecodeLenient(value)
		p.request.AddField(http.KindGetArgument, uf.B2S(name[:n]), http.Str(uf.B2S(value[:m])))
	}
}

// commitLine completes the pending field line.
func (p *Parser) commitLine() error {
	p.pending = false
	line := p.pool.Bytes(p.pool.Finish())

	for i, c := range line {
		if c == '\r' {
			if !p.rules.replaceBareCR {
				return code.FieldLineMalformed
			}

			line[i] = ' '
			p.bareCRs++
		}
	}

	colon := bytes.IndexByte(line, ':')
	if colon == -1 {
		if !p.rules.skipMalformedLines {
			return code.FieldLineMalformed
		}

		p.skippedLines++
		return nil
	}

	name := line[:colon]
	if len(name) > 0 && isOWS(name[len(name)-1]) {
		if !p.rules.nameWhitespace {
			return code.FieldLineMalformed
		}

		name = strutil.TrimOWSBytes(name)
	}

	if len(name) == 0 || (!p.rules.laxFieldNames && !isToken(name)) {
		return code.FieldLineMalformed
	}

	key := uf.B2S(name)
	value := uf.B2S(strutil.TrimOWSBytes(line[colon+1:]))
	p.request.AddField(p.kind, key, http.Str(value))

	if p.kind != http.KindHeader {
		return nil
	}

	return p.inspect(key, value)
}

// inspect looks into the headers affecting the message framing and the connection.
func (p *Parser) inspect(key, value string) error {
	switch len(key) {
	case 4:
		if strcomp.EqualFold(key, "Host") {
			if p.hostSeen && !p.rules.duplicateHost {
				return code.HostHeaderDuplicated
			}

			p.hostSeen = true
		}
	case 6:
		if strcomp.EqualFold(key, "Expect") {
			p.expectContinue = strcomp.EqualFold(value, "100-continue")
		} else if strcomp.EqualFold(key, "Cookie") && !p.cfg.Protocol.NoCookies {
			p.parseCookies(value)
		}
	case 10:
		if strcomp.EqualFold(key, "Connection") {
			p.connClose = p.connClose || strutil.HasToken(value, "close")
			p.keepAlive = p.keepAlive || strutil.HasToken(value, "keep-alive")
		}
	case 14:
		if strcomp.EqualFold(key, "Content-Length") {
			length, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return code.ContentLengthMalformed
			}

			if p.lengthSeen && length != p.contentLength {
				return code.ContentLengthMalformed
			}

			p.lengthSeen = true
			p.contentLength = length
		}
	case 17:
		if strcomp.EqualFold(key, "Transfer-Encoding") {
			// chunked is the only supported coding, and it must be applied once
			if p.teSeen || !strcomp.EqualFold(value, "chunked") {
				p.teUnsupported = true
			}

			p.teSeen = true
		}
	}

	return nil
}

// finish determines the body framing once the header section is complete.
func (p *Parser) finish() error {
	request := p.request

	if request.Protocol == proto.HTTP11 && !p.hostSeen && !p.rules.noHost {
		return code.HostHeaderMissing
	}

	switch {
	case p.teSeen:
		if p.teUnsupported {
			if !strcomp.EqualFold(strutil.LastToken(p.lastTE()), "chunked") {
				return code.ChunkedEncodingMalformed
			}

			return code.TransferEncodingUnsupported
		}

		if p.lengthSeen && !p.rules.ignoreLengthWithChunked {
			return code.ContentLengthConflict
		}

		request.Chunked = true
		request.ContentLength = -1
	case p.lengthSeen:
		if p.contentLength > p.cfg.Limits.MaxBodySize {
			return code.BodyTooLarge
		}

		request.ContentLength = int64(p.contentLength)
	default:
		if request.Method.ImpliesBody() && !p.rules.impliedBodyZero {
			return code.LengthRequired
		}

		request.ContentLength = 0
	}

	return nil
}

func (p *Parser) lastTE() (value string) {
	p.request.VisitValues(http.KindHeader, func(field http.Field) bool {
		if strcomp.EqualFold(field.Name, "Transfer-Encoding") {
			value = field.Value.Value
		}

		return true
	})

	return value
}

func (p *Parser) parseCookies(value string) {
	if p.rules.dropMalformedCookies && !p.validCookies(value) {
		return
	}

	for len(value) > 0 {
		var pair string
		pair, value = cutCookie(value)
		name, val, ok := p.parseCookie(pair)
		if ok {
			p.request.AddField(http.KindCookie, name, http.Str(val))
		}
	}
}

func (p *Parser) validCookies(value string) bool {
	for len(value) > 0 {
		var pair string
		pair, value = cutCookie(value)
		if _, _, ok := p.parseCookie(pair); !ok {
			return false
		}
	}

	return true
}

func (p *Parser) parseCookie(pair string) (name, value string, ok bool) {
	pair = strutil.TrimOWS(pair)
	eq := indexByte(pair, '=')
	if eq <= 0 {
		return "", "", false
	}

	name, value = strutil.RStripWS(pair[:eq]), strutil.LStripWS(pair[eq+1:])
	if !method.IsToken(name) {
		return "", "", false
	}

	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}

	if !p.rules.laxCookieValues {
		for i := 0; i < len(value); i++ {
			if !isCookieOctet(value[i]) {
				return "", "", false
			}
		}
	}

	return name, value, true
}

func cutCookie(value string) (pair, rest string) {
	if semicolon := indexByte(value, ';'); semicolon != -1 {
		return value[:semicolon], value[semicolon+1:]
	}

	return value, ""
}

func indexByte(str string, c byte) int {
	return bytes.IndexByte(uf.S2B(str), c)
}

func isOWS(c byte) bool {
	return c == ' ' || c == '\t'
}

func isToken(b []byte) bool {
	return method.IsToken(uf.B2S(b))
}

// isCookieOctet implements cookie-octet of RFC 6265, 4.1.1.
func isCookieOctet(c byte) bool {
	return c == 0x21 || (c >= 0x23 && c <= 0x2b) || (c >= 0x2d && c <= 0x3a) ||
		(c >= 0x3c && c <= 0x5b) || (c >= 0x5d && c <= 0x7e)
}

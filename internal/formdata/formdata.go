package formdata

import (
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/largebuf"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/uf"
)

// DefaultWorkspace is the workspace size used when the application doesn't set any.
const DefaultWorkspace = 4096

// the longest boundary allowed by RFC 2046
const maxBoundaryLength = 70

type field struct {
	name string
	// start is the workspace position the field begins at
	start            int
	nameLen          int
	valOff, valLen   int
	invalid          bool
	hasValue         bool
	streamed         bool
	filename         http.NullableString
	contentType      http.NullableString
	transferEncoding http.NullableString
}

// Parser is an incremental parser of POST bodies. Values are buffered in the workspace,
// a large buffer lent for the duration of the request, and published as request POST
// fields once the body is over. Values longer than the stream threshold are passed into
// the stream callback piece by piece instead, as well as every value after them.
type Parser struct {
	large *largebuf.Pool
	// bareLF accepts LF without the preceding CR as a line terminator
	bareLF bool
	req    *http.Request
	params http.PostParams
	enc    http.PostEncoding
	ws     *largebuf.Buffer
	mem    []byte
	used   int
	fields []field
	result http.PostResult
	// stopped is set once the parsing has failed or was interrupted by the application.
	// The rest of the body is then ignored.
	stopped   bool
	streaming bool
	published bool

	cur       field
	active    bool
	inValue   bool
	streamOff uint64
	carry     [2]byte
	carryLen  int
	// heldCR is set if a text/plain value piece ended with CR, which is either a part of
	// the line terminator or of the value, depending on what comes next
	heldCR bool

	mp      multipartState
	delim   []byte
	matched int
	lineOff int
}

// New returns a parser borrowing its workspaces from the pool. Unless bareLF is set, lines
// of text/plain and multipart bodies must be terminated by CRLF.
func New(large *largebuf.Pool, bareLF bool) *Parser {
	return &Parser{
		large:  large,
		bareLF: bareLF,
		fields: make([]field, 0, 8),
		delim:  make([]byte, 0, 4+maxBoundaryLength),
	}
}

// Start prepares the parser for the body of the request. If the returned result isn't OK,
// the body cannot be parsed at all.
func (p *Parser) Start(req *http.Request, params http.PostParams) http.PostResult {
	p.Release()
	*p = Parser{
		large:  p.large,
		bareLF: p.bareLF,
		req:    req,
		params: params,
		fields: p.fields[:0],
		delim:  p.delim[:0],
		result: http.PostOK,
	}

	if p.enc, p.result = p.detect(); !p.result.OK() {
		p.stopped = true
		return p.result
	}

	size := params.BufferSize
	if size <= 0 {
		size = DefaultWorkspace
	}

	ws, ok := p.large.Acquire(size)
	if !ok {
		return p.fail(http.PostFailedNoLargeBufMem)
	}

	p.ws, p.mem = ws, ws.Bytes()

	if p.enc == http.PostEncodingMultipart {
		// the first delimiter may lack the leading CRLF
		p.mp, p.matched = mpPreamble, 2
	}

	return p.result
}

func (p *Parser) detect() (http.PostEncoding, http.PostResult) {
	contentType, found := p.req.Value(http.KindHeader, "Content-Type")
	enc := p.params.Encoding

	if enc == http.PostEncodingOther {
		switch {
		case !found:
			return enc, http.PostFailedNoContentType
		case hasMediaType(contentType, http.PostEncodingURLEncoded.String()):
			enc = http.PostEncodingURLEncoded
		case hasMediaType(contentType, http.PostEncodingMultipart.String()):
			enc = http.PostEncodingMultipart
		case hasMediaType(contentType, http.PostEncodingText.String()):
			enc = http.PostEncodingText
		default:
			return enc, http.PostFailedUnknownContentType
		}
	}

	if enc != http.PostEncodingMultipart {
		return enc, http.PostOK
	}

	res, boundary, quoted := strutil.TokenParam(contentType, http.PostEncodingMultipart.String(), "boundary")
	switch res {
	case strutil.TokenOK:
	case strutil.TokenBadFormat:
		return enc, http.PostFailedHeaderMisformed
	default:
		return enc, http.PostFailedHeaderNoBoundary
	}

	if quoted {
		var ok bool
		if boundary, ok = strutil.UnquoteString(`"` + boundary + `"`); !ok {
			return enc, http.PostFailedHeaderMisformed
		}
	}

	if len(boundary) == 0 || len(boundary) > maxBoundaryLength {
		return enc, http.PostFailedHeaderMisformed
	}

	p.delim = append(append(p.delim, "\r\n--"...), boundary...)
	return enc, http.PostOK
}

func hasMediaType(contentType, mediaType string) bool {
	res, _, _ := strutil.TokenParam(contentType, mediaType, "")
	return res != strutil.TokenMissing
}

// Encoding returns the encoding in use.
func (p *Parser) Encoding() http.PostEncoding {
	return p.enc
}

// Feed parses the piece of the body. Unless the returned action is a continuation, the
// application interrupted the parsing and n tells how much data was consumed. The rest
// must be fed again after resumption. Otherwise, all the data is always consumed.
func (p *Parser) Feed(data []byte) (n int, act http.UploadAction) {
	if p.stopped {
		return len(data), http.UploadContinue()
	}

	if p.enc == http.PostEncodingMultipart {
		return p.feedMultipart(data)
	}

	return p.feedPairs(data)
}

// Finish completes the parsing once the body is over and publishes the buffered fields.
// The returned action is a continuation, unless the application interrupted the delivery
// of the last streamed value. Finish must be called again after resumption then.
func (p *Parser) Finish() (http.PostResult, http.UploadAction) {
	if !p.stopped {
		var act http.UploadAction
		if p.enc == http.PostEncodingMultipart {
			act = p.finishMultipart()
		} else {
			act = p.finishPairs()
		}

		if act.Kind != http.UploadKindContinue {
			return p.result, act
		}
	}

	p.publish()
	return p.result, http.UploadContinue()
}

// Params returns the parameters the parser was started with.
func (p *Parser) Params() http.PostParams {
	return p.params
}

// Result returns the current result of the parsing.
func (p *Parser) Result() http.PostResult {
	return p.result
}

// Release returns the workspace. Published fields are invalidated.
func (p *Parser) Release() {
	if p.ws != nil {
		p.ws.Release()
		p.ws, p.mem = nil, nil
	}
}

func (p *Parser) publish() {
	if p.published {
		return
	}

	p.published = true
	for _, f := range p.fields {
		value := http.Null
		if f.hasValue {
			value = http.Str(uf.B2S(p.mem[f.valOff : f.valOff+f.valLen]))
		}

		p.req.AddPostField(http.PostField{
			Name:             f.name,
			Value:            value,
			Filename:         f.filename,
			ContentType:      f.contentType,
			TransferEncoding: f.transferEncoding,
		})
	}
}

func (p *Parser) fail(result http.PostResult) http.PostResult {
	p.result = result
	p.stopped = true
	return result
}

// degrade lowers the result, unless it's already worse.
func (p *Parser) degrade(result http.PostResult) {
	if p.result < result {
		p.result = result
	}
}

// startField begins a new field, whose name is going to be written at the current
// workspace position.
func (p *Parser) startField() {
	p.cur = field{start: p.used, valOff: p.used}
	p.active = true
	p.streamOff, p.carryLen = 0, 0
	p.heldCR = false
}

// startValue marks the current workspace position as the beginning of the value.
func (p *Parser) startValue() {
	p.cur.hasValue = true
	p.cur.valOff, p.cur.valLen = p.used, 0
	p.cur.streamed = p.streaming && p.params.Stream != nil
}

func (p *Parser) write(data []byte) bool {
	if len(data) > len(p.mem)-p.used {
		return false
	}

	p.used += copy(p.mem[p.used:], data)
	return true
}

// value consumes a piece of the current value. Unless the returned action is a
// continuation, n tells how much of the data was consumed.
func (p *Parser) value(data []byte) (n int, act http.UploadAction) {
	if len(data) == 0 {
		return 0, http.UploadContinue()
	}

	if !p.cur.streamed {
		threshold := p.params.StreamThreshold
		fits := threshold <= 0 || p.cur.valLen+len(data) <= threshold
		if fits && p.write(data) {
			p.cur.valLen += len(data)
			return len(data), http.UploadContinue()
		}

		if p.params.Stream == nil {
			if fits {
				p.fail(http.PostFailedNoLargeBufMem)
			} else {
				p.fail(http.PostFailedStreamTooLarge)
			}

			return len(data), http.UploadContinue()
		}

		if act = p.beginStream(); act.Kind != http.UploadKindContinue {
			return 0, act
		}
	}

	return p.stream(data, false)
}

// beginStream switches the current value to streaming. Its already buffered part is
// delivered first.
func (p *Parser) beginStream() http.UploadAction {
	p.cur.streamed = true
	p.streaming = true

	buffered := p.mem[p.cur.valOff : p.cur.valOff+p.cur.valLen]
	p.used, p.cur.valLen = p.cur.valOff, 0

	if p.enc == http.PostEncodingURLEncoded {
		// url-encoded values are buffered as is, so the buffered part is decoded now.
		// An escape cut off at its end is carried over into the next piece
		keep := incompleteEscape(buffered)
		p.carryLen = copy(p.carry[:], buffered[len(buffered)-keep:])
		buffered = buffered[:len(buffered)-keep]
		strutil.PlusToSpace(buffered)
		n, _ := strutil.PctDecodeLenient(buffered)
		buffered = buffered[:n]
	}

	if len(buffered) == 0 {
		return http.UploadContinue()
	}

	return p.emit(buffered, false)
}

// stream passes the piece of the value into the stream callback. Url-encoded values are
// decoded on the fly.
func (p *Parser) stream(data []byte, final bool) (n int, act http.UploadAction) {
	if p.enc != http.PostEncodingURLEncoded {
		return len(data), p.emit(data, final)
	}

	for {
		scratch := p.mem[p.used:]
		if len(scratch) <= len(p.carry) {
			p.fail(http.PostFailedNoLargeBufMem)
			return len(data), http.UploadContinue()
		}

		carried := copy(scratch, p.carry[:p.carryLen])
		k := copy(scratch[carried:], data)
		data, n = data[k:], n+k
		piece := scratch[:carried+k]
		last := final && len(data) == 0

		keep := 0
		if !last {
			keep = incompleteEscape(piece)
		}

		decoded := piece[:len(piece)-keep]
		strutil.PlusToSpace(decoded)
		m, _ := strutil.PctDecodeLenient(decoded)
		p.carryLen = copy(p.carry[:], piece[len(piece)-keep:])

		if m > 0 || last {
			if act = p.emit(decoded[:m], last); act.Kind != http.UploadKindContinue {
				return n, act
			}
		}

		if len(data) == 0 {
			return n, http.UploadContinue()
		}
	}
}

// incompleteEscape returns the length of the percent-escape cut off at the end.
func incompleteEscape(piece []byte) int {
	switch l := len(piece); {
	case l >= 1 && piece[l-1] == '%':
		return 1
	case l >= 2 && piece[l-2] == '%':
		return 2
	default:
		return 0
	}
}

func (p *Parser) emit(data []byte, final bool) http.UploadAction {
	act := p.params.Stream(p.req, http.StreamedField{
		Name:             p.cur.name,
		Filename:         p.cur.filename,
		ContentType:      p.cur.contentType,
		TransferEncoding: p.cur.transferEncoding,
	}, data, p.streamOff, final)
	p.streamOff += uint64(len(data))

	switch act.Kind {
	case http.UploadKindContinue, http.UploadKindSuspend:
	default:
		// the application took over
		p.stopped = true
	}

	return act
}

// endField completes the current field. Buffered fields are recorded, streamed ones get
// their final callback.
func (p *Parser) endField() http.UploadAction {
	f := p.cur
	p.active, p.inValue = false, false
	p.cur = field{}

	if f.streamed {
		p.cur = f
		_, act := p.stream(nil, true)
		p.cur = field{}
		// streamed fields are never published, so the workspace is reclaimed
		p.used = f.start
		return act
	}

	if f.invalid {
		p.degrade(http.PostPartialInvalidCharacters)
		return http.UploadContinue()
	}

	if len(f.name) == 0 && !f.hasValue {
		// empty pair, e.g. a&&b
		return http.UploadContinue()
	}

	p.fields = append(p.fields, f)
	return http.UploadContinue()
}

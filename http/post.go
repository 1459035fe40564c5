package http

// PostEncoding selects the POST parser.
type PostEncoding uint8

const (
	// PostEncodingOther detects the encoding by the Content-Type header.
	PostEncodingOther PostEncoding = iota
	PostEncodingText
	PostEncodingURLEncoded
	PostEncodingMultipart
)

func (p PostEncoding) String() string {
	switch p {
	case PostEncodingText:
		return "text/plain"
	case PostEncodingURLEncoded:
		return "application/x-www-form-urlencoded"
	case PostEncodingMultipart:
		return "multipart/form-data"
	default:
		return "other"
	}
}

// PostParams configure the POST parser.
type PostParams struct {
	// BufferSize is the size of the workspace. Buffered fields must fit into it.
	BufferSize int
	// StreamThreshold is the maximal length of a value, which is still buffered. Longer
	// values, and every value after the first streamed one, are passed into Stream.
	StreamThreshold int
	Encoding        PostEncoding
	// Stream receives streamed values. If nil, values exceeding the threshold fail
	// the parsing.
	Stream PostStreamFunc
	// Done is called once the whole body is processed.
	Done PostDoneFunc
}

// PostStreamFunc receives a piece of a streamed field value. The offset is the position of
// the piece within the value. The final piece of every value has final set.
type PostStreamFunc func(req *Request, field StreamedField, data []byte, offset uint64, final bool) UploadAction

// StreamedField describes the field whose value is being streamed.
type StreamedField struct {
	Name             string
	Filename         NullableString
	ContentType      NullableString
	TransferEncoding NullableString
}

// PostDoneFunc receives the parsing result. Buffered fields are available via
// Request.PostFields. It must return either a response, suspension or abortion.
type PostDoneFunc func(req *Request, result PostResult) UploadAction

type PostResult uint8

const (
	// PostOK means the body is fully parsed.
	PostOK PostResult = iota
	// PostOKBadTermination means all the fields are parsed, but the body ended abruptly
	// (e.g. the closing multipart delimiter is missing).
	PostOKBadTermination
	// PostPartialInvalidCharacters means some fields were dropped due to invalid
	// characters.
	PostPartialInvalidCharacters
	// PostFailedNoPoolMem means the memory pool is exhausted.
	PostFailedNoPoolMem
	// PostFailedNoLargeBufMem means the large shared buffer pool is exhausted.
	PostFailedNoLargeBufMem
	// PostFailedUnknownContentType means the encoding could not be detected.
	PostFailedUnknownContentType
	// PostFailedNoContentType means the Content-Type header is missing.
	PostFailedNoContentType
	// PostFailedHeaderNoBoundary means the multipart boundary parameter is missing.
	PostFailedHeaderNoBoundary
	// PostFailedHeaderMisformed means the Content-Type header is malformed.
	PostFailedHeaderMisformed
	// PostFailedInvalidPostFormat means the body is malformed.
	PostFailedInvalidPostFormat
	// PostFailedStreamTooLarge means a value exceeds the threshold, but streaming is off.
	PostFailedStreamTooLarge
)

// OK reports whether the fields are usable.
func (p PostResult) OK() bool {
	return p <= PostPartialInvalidCharacters
}

func (p PostResult) String() string {
	switch p {
	case PostOK:
		return "ok"
	case PostOKBadTermination:
		return "ok, bad termination"
	case PostPartialInvalidCharacters:
		return "partial, invalid characters"
	case PostFailedNoPoolMem:
		return "failed, no pool memory"
	case PostFailedNoLargeBufMem:
		return "failed, no large buffer memory"
	case PostFailedUnknownContentType:
		return "failed, unknown content type"
	case PostFailedNoContentType:
		return "failed, no content type"
	case PostFailedHeaderNoBoundary:
		return "failed, no boundary"
	case PostFailedHeaderMisformed:
		return "failed, header misformed"
	case PostFailedInvalidPostFormat:
		return "failed, invalid format"
	case PostFailedStreamTooLarge:
		return "failed, value too large"
	default:
		return "unknown"
	}
}

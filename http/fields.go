package http

// ValueKind tells where a request value came from. Kinds are bits, so several of them can be
// requested at once.
type ValueKind uint8

const (
	KindHeader ValueKind = 1 << iota
	KindCookie
	KindGetArgument
	KindFooter
	KindPostData

	KindAll = KindHeader | KindCookie | KindGetArgument | KindFooter | KindPostData
)

func (k ValueKind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindCookie:
		return "cookie"
	case KindGetArgument:
		return "GET argument"
	case KindFooter:
		return "footer"
	case KindPostData:
		return "POST data"
	default:
		return "mixed"
	}
}

// NullableString distinguishes an empty value from a missing one. For example, the query
// "?a=&b" carries an empty value for a and no value at all for b.
type NullableString struct {
	Value string
	Valid bool
}

// Null is a NullableString carrying no value.
var Null = NullableString{}

func Str(value string) NullableString {
	return NullableString{Value: value, Valid: true}
}

// Field is a single named value of the request.
type Field struct {
	Kind  ValueKind
	Name  string
	Value NullableString
}

// PostField is a field parsed from the request body. All the strings except Name are
// null when the encoding doesn't provide them.
type PostField struct {
	Name             string
	Value            NullableString
	Filename         NullableString
	ContentType      NullableString
	TransferEncoding NullableString
}

// Header is a single response header or footer line.
type Header struct {
	Key, Value string
}

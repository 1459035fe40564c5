package method

type Method uint8

const (
	// Unknown is any syntactically valid method token, which isn't one of the listed
	// ones. The original string is still available on the request.
	Unknown Method = iota
	GET
	HEAD
	POST
	PUT
	DELETE
	CONNECT
	OPTIONS
	TRACE
	PATCH

	// Count contains the greatest integer value of all the methods.
	Count = iota - 1
)

// List contains all the known HTTP methods, sorted by their integer value. Unknown is not
// included.
var List = []Method{GET, HEAD, POST, PUT, DELETE, CONNECT, OPTIONS, TRACE, PATCH}

var names = [...]string{
	Unknown: "UNKNOWN",
	GET:     "GET",
	HEAD:    "HEAD",
	POST:    "POST",
	PUT:     "PUT",
	DELETE:  "DELETE",
	CONNECT: "CONNECT",
	OPTIONS: "OPTIONS",
	TRACE:   "TRACE",
	PATCH:   "PATCH",
}

func (m Method) String() string {
	if int(m) >= len(names) {
		return names[Unknown]
	}

	return names[m]
}

// Parse recognizes the method. The match is case-sensitive, as method names are.
func Parse(str string) Method {
	switch len(str) {
	case 3:
		if str == "GET" {
			return GET
		} else if str == "PUT" {
			return PUT
		}
	case 4:
		if str == "POST" {
			return POST
		} else if str == "HEAD" {
			return HEAD
		}
	case 5:
		if str == "PATCH" {
			return PATCH
		} else if str == "TRACE" {
			return TRACE
		}
	case 6:
		if str == "DELETE" {
			return DELETE
		}
	case 7:
		if str == "CONNECT" {
			return CONNECT
		} else if str == "OPTIONS" {
			return OPTIONS
		}
	}

	return Unknown
}

// ImpliesBody reports whether requests with the method are expected to carry a body, so
// its absence must be signalled explicitly by the framing headers.
func (m Method) ImpliesBody() bool {
	return m == POST || m == PUT || m == PATCH
}

// IsToken reports whether the string is a valid method token (RFC 9110, 5.6.2).
func IsToken(str string) bool {
	if len(str) == 0 {
		return false
	}

	for i := 0; i < len(str); i++ {
		if !tchar[str[i]] {
			return false
		}
	}

	return true
}

var tchar = func() (table [256]bool) {
	for c := '0'; c <= '9'; c++ {
		table[c] = true
	}

	for c := 'a'; c <= 'z'; c++ {
		table[c] = true
		table[c-'a'+'A'] = true
	}

	for _, c := range "!#$%&'*+-.^_`|~" {
		table[c] = true
	}

	return table
}()

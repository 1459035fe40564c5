package strutil

// Unquote removes backslash-escapes from the content of a quoted-string (the surrounding
// double quotes must be already stripped) and writes the result into dst, which must be at
// least len(src) bytes long. dst may alias src. A trailing lone backslash makes the input
// invalid. Zero-length input yields zero-length output.
func Unquote(dst, src []byte) (n int, ok bool) {
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '\\' {
			if i+1 == len(src) {
				return 0, false
			}

			i++
			c = src[i]
		}

		dst[n] = c
		n++
	}

	return n, true
}

// Quote appends src to dst with every double quote and backslash escaped. The surrounding
// quotes are not added.
func Quote(dst, src []byte) []byte {
	for _, c := range src {
		if c == '"' || c == '\\' {
			dst = append(dst, '\\')
		}

		dst = append(dst, c)
	}

	return dst
}

// UnquoteString strips the surrounding double quotes, if presented, and resolves the escapes.
func UnquoteString(str string) (string, bool) {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str, true
	}

	inner := str[1 : len(str)-1]
	if indexByte(inner, '\\') == -1 {
		return inner, true
	}

	buf := make([]byte, len(inner))
	n, ok := Unquote(buf, []byte(inner))
	return string(buf[:n]), ok
}

func indexByte(str string, c byte) int {
	for i := 0; i < len(str); i++ {
		if str[i] == c {
			return i
		}
	}

	return -1
}

package hexconv

// Halfbyte maps an ASCII hex digit to its value. Non-hex characters map to 0xFF.
var Halfbyte = func() (table [256]byte) {
	for i := range table {
		table[i] = 0xFF
	}

	for c := '0'; c <= '9'; c++ {
		table[c] = byte(c - '0')
	}

	for c := 'a'; c <= 'f'; c++ {
		table[c] = byte(c-'a') + 10
		table[c-'a'+'A'] = byte(c-'a') + 10
	}

	return table
}()

const upperDigits = "0123456789ABCDEF"

// Upper returns the uppercase hex digit of the lower 4 bits.
func Upper(halfbyte byte) byte {
	return upperDigits[halfbyte&0x0F]
}

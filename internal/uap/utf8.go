package uap

import "unicode/utf8"

// decodeUTF8Lenient decodes b as UTF-8, substituting the Unicode
// replacement character for any invalid byte sequence instead of failing.
// This mirrors Python's `bytes.decode('utf-8', errors='replace')`, which
// the original client and proxy both rely on.
func decodeUTF8Lenient(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}

package recompiler

const base57Alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz"

// base57 encodes src in 8-byte big-endian groups of 11 digits each; a short
// final group uses only as many digits as it needs.
func base57(src []byte) string {
	out := make([]byte, 0, (len(src)+7)/8*11)
	for len(src) > 0 {
		n := len(src)
		if n > 8 {
			n = 8
		}
		var v uint64
		for _, b := range src[:n] {
			v = v<<8 | uint64(b)
		}
		digits := n*8*10000/58496 + 1 // 5.8496 bits per digit
		group := make([]byte, digits)
		for i := digits - 1; i >= 0; i-- {
			group[i] = base57Alphabet[v%57]
			v /= 57
		}
		out = append(out, group...)
		src = src[n:]
	}
	return string(out)
}

package aether

// Textbook FIPS 180-4 SHA-256 and RFC 2104 HMAC, hand-rolled rather than
// imported from crypto/sha256+crypto/hmac, as a from-scratch
// kernel-internal primitive: a 64-round block processor plus HMAC per
// RFC 2104, matching biscuit's general ethos of reimplementing rather
// than importing ambient pieces the freestanding kernel cannot link
// against (src/errors vendors the standard library's errors package for
// the same reason).

var sha256K = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

var sha256H0 = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

func rotr32(x uint32, n uint) uint32 { return x>>n | x<<(32-n) }

// sha256Pad appends the FIPS 180-4 message padding: a single 0x80 byte, zero
// bytes up to 56 mod 64, then the original bit length as a big-endian
// uint64.
func sha256Pad(msg []byte) []byte {
	bitLen := uint64(len(msg)) * 8
	padded := append([]byte(nil), msg...)
	padded = append(padded, 0x80)
	for len(padded)%64 != 56 {
		padded = append(padded, 0)
	}
	for i := 7; i >= 0; i-- {
		padded = append(padded, byte(bitLen>>(uint(i)*8)))
	}
	return padded
}

// Sha256 computes the SHA-256 digest of msg via the textbook 64-round
// compression function over 512-bit blocks.
func Sha256(msg []byte) [32]byte {
	h := sha256H0
	padded := sha256Pad(msg)

	var w [64]uint32
	for off := 0; off < len(padded); off += 64 {
		block := padded[off : off+64]
		for i := 0; i < 16; i++ {
			w[i] = uint32(block[i*4])<<24 | uint32(block[i*4+1])<<16 |
				uint32(block[i*4+2])<<8 | uint32(block[i*4+3])
		}
		for i := 16; i < 64; i++ {
			s0 := rotr32(w[i-15], 7) ^ rotr32(w[i-15], 18) ^ (w[i-15] >> 3)
			s1 := rotr32(w[i-2], 17) ^ rotr32(w[i-2], 19) ^ (w[i-2] >> 10)
			w[i] = w[i-16] + s0 + w[i-7] + s1
		}

		a, b, c, d, e, f, g, hh := h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7]
		for i := 0; i < 64; i++ {
			s1 := rotr32(e, 6) ^ rotr32(e, 11) ^ rotr32(e, 25)
			ch := (e & f) ^ (^e & g)
			t1 := hh + s1 + ch + sha256K[i] + w[i]
			s0 := rotr32(a, 2) ^ rotr32(a, 13) ^ rotr32(a, 22)
			maj := (a & b) ^ (a & c) ^ (b & c)
			t2 := s0 + maj

			hh, g, f, e = g, f, e, d+t1
			d, c, b, a = c, b, a, t1+t2
		}
		h[0] += a
		h[1] += b
		h[2] += c
		h[3] += d
		h[4] += e
		h[5] += f
		h[6] += g
		h[7] += hh
	}

	var out [32]byte
	for i, v := range h {
		out[i*4] = byte(v >> 24)
		out[i*4+1] = byte(v >> 16)
		out[i*4+2] = byte(v >> 8)
		out[i*4+3] = byte(v)
	}
	return out
}

const hmacBlockSize = 64

// HmacSha256 computes HMAC-SHA256(key, msg) per RFC 2104: keys longer than
// the block size are hashed down first; the inner pad is key⊕0x36, the
// outer pad is key⊕0x5C.
func HmacSha256(key, msg []byte) [32]byte {
	if len(key) > hmacBlockSize {
		digest := Sha256(key)
		key = digest[:]
	}
	block := make([]byte, hmacBlockSize)
	copy(block, key)

	ipad := make([]byte, hmacBlockSize)
	opad := make([]byte, hmacBlockSize)
	for i := 0; i < hmacBlockSize; i++ {
		ipad[i] = block[i] ^ 0x36
		opad[i] = block[i] ^ 0x5c
	}

	inner := Sha256(append(ipad, msg...))
	outer := Sha256(append(opad, inner[:]...))
	return outer
}

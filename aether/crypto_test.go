package aether

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSha256KnownVectors(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, c := range cases {
		got := Sha256([]byte(c.msg))
		require.Equal(t, c.want, hex.EncodeToString(got[:]))
	}
}

func TestHmacSha256KnownVector(t *testing.T) {
	// RFC 4231 test case 1.
	key := make([]byte, 20)
	for i := range key {
		key[i] = 0x0b
	}
	msg := []byte("Hi There")
	want := "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7"
	got := HmacSha256(key, msg)
	require.Equal(t, want, hex.EncodeToString(got[:]))
}

func TestHmacSha256KeyLongerThanBlock(t *testing.T) {
	// RFC 4231 test case 6: key length 131 > block size, must be hashed down.
	key := make([]byte, 131)
	for i := range key {
		key[i] = 0xaa
	}
	msg := []byte("Test Using Larger Than Block-Size Key - Hash Key First")
	want := "60e431591ee0b67f0d8a26aacbf5b77f8e0bc6213728c5140546040f0ee37f54"
	got := HmacSha256(key, msg)
	require.Equal(t, want, hex.EncodeToString(got[:]))
}

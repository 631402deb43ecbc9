package keyvault

import "fmt"

// Z85 is the ZeroMQ Base-85 encoding used to present 32-byte Curve25519
// keys as 40-character strings over config files, logs, and control-plane
// payloads (§3: "encoded for transport as 40-character Z85 strings").
const z85Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.-:+=^!/*?&<>()[]{}@%$#"

var z85Decode [256]int8

func init() {
	for i := range z85Decode {
		z85Decode[i] = -1
	}
	for i, c := range z85Chars {
		z85Decode[byte(c)] = int8(i)
	}
}

// EncodeZ85 encodes a 32-byte key into a 40-character Z85 string.
func EncodeZ85(key [32]byte) string {
	out := make([]byte, 0, 40)
	var value uint32
	for i, b := range key {
		value = value*256 + uint32(b)
		if (i+1)%4 == 0 {
			var chunk [5]byte
			for j := 4; j >= 0; j-- {
				chunk[j] = z85Chars[value%85]
				value /= 85
			}
			out = append(out, chunk[:]...)
		}
	}
	return string(out)
}

// DecodeZ85 decodes a 40-character Z85 string into a 32-byte key.
func DecodeZ85(s string) ([32]byte, error) {
	var key [32]byte
	if len(s) != 40 {
		return key, fmt.Errorf("z85: expected 40 chars, got %d", len(s))
	}
	var value uint32
	pos := 0
	for i := 0; i < 40; i++ {
		d := z85Decode[s[i]]
		if d < 0 {
			return key, fmt.Errorf("z85: invalid character %q", s[i])
		}
		value = value*85 + uint32(d)
		if (i+1)%5 == 0 {
			for j := 3; j >= 0; j-- {
				key[pos+j] = byte(value & 0xff)
				value >>= 8
			}
			pos += 4
		}
	}
	return key, nil
}

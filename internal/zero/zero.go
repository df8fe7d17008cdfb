// Package zero provides functions to clear sensitive data from memory on a
// best effort basis.  The compiler is free to copy byte slices around, so
// zeroing cannot be a hard guarantee, but it shortens the window in which
// secrets are reachable.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear private key material from memory.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Bytea64 clears the 64-byte array.
func Bytea64(b *[64]byte) {
	*b = [64]byte{}
}

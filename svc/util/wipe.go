package util

import "runtime"

// Wipe zeroes key material in place once a caller is done with it.
// KeepAlive stops the compiler from treating the stores as dead.
func Wipe(b []byte) {
	for i := 0; i < len(b); i++ {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

//go:build !unix

package conn

// ReuseAddr is a no-op on platforms without SO_REUSEADDR semantics.
func ReuseAddr(_ uintptr) error {
	return nil
}

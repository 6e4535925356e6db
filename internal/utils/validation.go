// Package utils holds small validation helpers shared by the frame plane.
package utils

// IsValidJPEG reports whether data is framed as a complete JPEG image:
// an SOI marker (FF D8) at the start and an EOI marker (FF D9) at the
// end. Truncated device reads fail the EOI check and are dropped before
// they reach the ring buffer.
func IsValidJPEG(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		return false
	}
	return true
}

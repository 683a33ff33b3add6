package artifact

// Value types of the wasm binary format.
const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e
)

// Section ids of the wasm binary format.
const (
	secCustom   byte = 0x00
	secType     byte = 0x01
	secFunction byte = 0x03
	secMemory   byte = 0x05
	secGlobal   byte = 0x06
	secExport   byte = 0x07
	secCode     byte = 0x0a
)

// Export kinds.
const (
	exportFunc   byte = 0x00
	exportMemory byte = 0x02
	exportGlobal byte = 0x03
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// EncodeULEB128 encodes an unsigned value in LEB128 format.
func EncodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

// EncodeSLEB128 encodes a signed value in LEB128 format.
func EncodeSLEB128[T int32 | int64](v T) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

// DecodeULEB128 decodes an unsigned LEB128 value and returns it with the
// number of bytes consumed. n is zero when data ends mid-value or the value
// does not fit in 32 bits.
func DecodeULEB128(data []byte) (v uint32, n int) {
	var shift uint32
	for i, b := range data {
		if shift > 28 || (shift == 28 && b&0x70 != 0) {
			return 0, 0
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

func appendName(dst []byte, name string) []byte {
	dst = append(dst, EncodeULEB128(uint32(len(name)))...)
	return append(dst, name...)
}

func appendSection(dst []byte, id byte, body []byte) []byte {
	dst = append(dst, id)
	dst = append(dst, EncodeULEB128(uint32(len(body)))...)
	return append(dst, body...)
}

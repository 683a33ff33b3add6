package artifact

import (
	"bytes"

	"github.com/wippyai/module-runtime/errors"
)

// ReadDescriptor scans wasm for the descriptor custom section and decodes
// it. The rest of the module is not validated.
func ReadDescriptor(wasm []byte) (*Descriptor, error) {
	if len(wasm) < len(header) || !bytes.Equal(wasm[:4], header[:4]) {
		return nil, errors.InvalidData(errors.PhaseLoad, nil, "not a wasm module")
	}

	pos := len(header)
	for pos < len(wasm) {
		id := wasm[pos]
		pos++
		size, n := DecodeULEB128(wasm[pos:])
		if n == 0 {
			return nil, errors.InvalidData(errors.PhaseLoad, nil, "truncated section header")
		}
		pos += n
		end := pos + int(size)
		if end > len(wasm) {
			return nil, errors.InvalidData(errors.PhaseLoad, nil, "section exceeds module")
		}

		if id == secCustom {
			nameLen, n := DecodeULEB128(wasm[pos:end])
			if n == 0 || pos+n+int(nameLen) > end {
				return nil, errors.InvalidData(errors.PhaseLoad, nil, "bad custom section name")
			}
			name := string(wasm[pos+n : pos+n+int(nameLen)])
			if name == SectionDescriptor {
				return UnmarshalDescriptor(wasm[pos+n+int(nameLen) : end])
			}
		}
		pos = end
	}
	return nil, errors.SymbolInvalid(SectionDescriptor, "custom section missing")
}

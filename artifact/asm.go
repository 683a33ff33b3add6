package artifact

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/wippyai/module-runtime/errors"
)

// Instructions without immediates.
var simpleOps = map[string]byte{
	"unreachable":      0x00,
	"nop":              0x01,
	"return":           0x0f,
	"drop":             0x1a,
	"i64.eqz":          0x50,
	"i64.eq":           0x51,
	"i64.ne":           0x52,
	"i64.lt_u":         0x54,
	"i64.gt_u":         0x56,
	"i32.add":          0x6a,
	"i64.add":          0x7c,
	"i64.sub":          0x7d,
	"i64.mul":          0x7e,
	"i64.div_u":        0x80,
	"i64.rem_u":        0x82,
	"i64.and":          0x83,
	"i64.or":           0x84,
	"i64.xor":          0x85,
	"i64.shl":          0x86,
	"i64.shr_u":        0x88,
	"i32.wrap_i64":     0xa7,
	"i64.extend_i32_u": 0xad,
	"select":           0x1b,
}

// Instructions taking an index immediate.
var indexOps = map[string]byte{
	"local.get":  0x20,
	"local.set":  0x21,
	"local.tee":  0x22,
	"global.get": 0x23,
	"global.set": 0x24,
}

// Memory instructions take an optional offset; alignment is natural.
var memOps = map[string][2]byte{
	"i64.load":  {0x29, 3},
	"i64.store": {0x37, 3},
	"i32.load":  {0x28, 2},
	"i32.store": {0x36, 2},
}

// Assemble translates instructions, one per line or separated by ';', into
// a function body without the trailing end opcode. Global operands may be
// numeric indices or names resolved against globals, in declaration order.
// Text after '#' is a comment.
func Assemble(src string, globals ...string) ([]byte, error) {
	var code []byte
	lines := strings.FieldsFunc(src, func(r rune) bool { return r == '\n' || r == ';' })

	for n, line := range lines {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		op, args := fields[0], fields[1:]

		fail := func(format string, a ...any) error {
			return errors.New(errors.PhaseBuild, errors.KindInvalidInput).
				Path("line " + strconv.Itoa(n+1)).Detail(format, a...).Build()
		}

		if b, ok := simpleOps[op]; ok {
			if len(args) != 0 {
				return nil, fail("%s takes no operand", op)
			}
			code = append(code, b)
			continue
		}

		if b, ok := indexOps[op]; ok {
			if len(args) != 1 {
				return nil, fail("%s takes one operand", op)
			}
			idx, err := index(args[0], op, globals)
			if err != nil {
				return nil, fail("%v", err)
			}
			code = append(code, b)
			code = append(code, EncodeULEB128(idx)...)
			continue
		}

		if m, ok := memOps[op]; ok {
			var offset uint64
			switch len(args) {
			case 0:
			case 1:
				v, err := strconv.ParseUint(strings.TrimPrefix(args[0], "offset="), 10, 32)
				if err != nil {
					return nil, fail("bad offset %q", args[0])
				}
				offset = v
			default:
				return nil, fail("%s takes at most one operand", op)
			}
			code = append(code, m[0], m[1])
			code = append(code, EncodeULEB128(uint32(offset))...)
			continue
		}

		switch op {
		case "i64.const":
			if len(args) != 1 {
				return nil, fail("i64.const takes one operand")
			}
			v, err := parseInt(args[0], 64)
			if err != nil {
				return nil, fail("bad i64 %q", args[0])
			}
			code = append(code, 0x42)
			code = append(code, EncodeSLEB128(v)...)
		case "i32.const":
			if len(args) != 1 {
				return nil, fail("i32.const takes one operand")
			}
			v, err := parseInt(args[0], 32)
			if err != nil {
				return nil, fail("bad i32 %q", args[0])
			}
			code = append(code, 0x41)
			code = append(code, EncodeSLEB128(int32(v))...)
		default:
			return nil, fail("unknown instruction %q", op)
		}
	}
	return code, nil
}

// MustAssemble is like Assemble but panics on error.
func MustAssemble(src string, globals ...string) []byte {
	code, err := Assemble(src, globals...)
	if err != nil {
		panic(err)
	}
	return code
}

func index(arg, op string, globals []string) (uint32, error) {
	if v, err := strconv.ParseUint(arg, 10, 32); err == nil {
		return uint32(v), nil
	}
	if strings.HasPrefix(op, "global.") {
		if i := slices.Index(globals, arg); i >= 0 {
			return uint32(i), nil
		}
		return 0, fmt.Errorf("unknown global %q", arg)
	}
	return 0, fmt.Errorf("bad index %q", arg)
}

// parseInt accepts signed decimal or 0x-prefixed unsigned hex that fits
// in bits.
func parseInt(s string, bits int) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, bits); err == nil {
		return v, nil
	}
	u, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, err
	}
	if bits == 32 {
		return int64(int32(uint32(u))), nil
	}
	return int64(u), nil
}

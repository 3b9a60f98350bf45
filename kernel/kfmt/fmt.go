// Package kfmt provides formatted kernel logging backed by a ring buffer
// until a console output sink is registered.
package kfmt

import "io"

var (
	errNoVerb       = []byte("%!(NOVERB)")
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer stores Printf output emitted before an output sink
	// has been registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While
	// nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf output to w and drains any data
// accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes a formatted message to the registered output sink or, before
// one exists, to the early print buffer. It supports the %s, %q, %t, %c, %o,
// %d and %x verbs plus an optional width for the integer verbs, and performs
// no memory allocation.
func Printf(format string, args ...interface{}) {
	var (
		nextArg  int
		numBuf   [32]byte
		oneByte  [1]byte
		blank    = byte(' ')
		zero     = byte('0')
		out      = outputSink
		writeStr = func(s string) {
			for i := 0; i < len(s); i++ {
				oneByte[0] = s[i]
				out.Write(oneByte[:])
			}
		}
	)

	if out == nil {
		out = &earlyPrintBuffer
	}

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			oneByte[0] = format[i]
			out.Write(oneByte[:])
			continue
		}

		i++
		if i == len(format) {
			out.Write(errNoVerb)
			return
		}

		// Parse optional padding and width
		pad, width := blank, 0
		if format[i] == '0' {
			pad = zero
			i++
		}
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}
		if i == len(format) {
			out.Write(errNoVerb)
			return
		}

		if format[i] == '%' {
			oneByte[0] = '%'
			out.Write(oneByte[:])
			continue
		}

		if nextArg >= len(args) {
			out.Write(errMissingArg)
			continue
		}
		arg := args[nextArg]
		nextArg++

		switch format[i] {
		case 's', 'q':
			quote := format[i] == 'q'
			if quote {
				oneByte[0] = '"'
				out.Write(oneByte[:])
			}
			switch v := arg.(type) {
			case string:
				writeStr(v)
			case []byte:
				out.Write(v)
			default:
				out.Write(errWrongArgType)
				continue
			}
			if quote {
				oneByte[0] = '"'
				out.Write(oneByte[:])
			}
		case 't':
			v, isBool := arg.(bool)
			if !isBool {
				out.Write(errWrongArgType)
				continue
			}
			if v {
				out.Write(trueValue)
			} else {
				out.Write(falseValue)
			}
		case 'c':
			switch v := arg.(type) {
			case byte:
				oneByte[0] = v
			case rune:
				oneByte[0] = byte(v)
			default:
				out.Write(errWrongArgType)
				continue
			}
			out.Write(oneByte[:])
		case 'o', 'd', 'x':
			v, ok := toUint64(arg)
			if !ok {
				out.Write(errWrongArgType)
				continue
			}
			base := uint64(10)
			switch format[i] {
			case 'o':
				base = 8
			case 'x':
				base = 16
			}
			n := fmtUint(numBuf[:], v, base, width, pad)
			out.Write(numBuf[n:])
		default:
			out.Write(errNoVerb)
		}
	}
}

// fmtUint formats v into the tail of buf, returning the index of the first
// used byte. The number is left-padded with pad up to width digits.
func fmtUint(buf []byte, v, base uint64, width int, pad byte) int {
	const digits = "0123456789abcdef"

	i := len(buf)
	for {
		i--
		buf[i] = digits[v%base]
		v /= base
		if v == 0 {
			break
		}
	}

	for len(buf)-i < width && i > 0 {
		i--
		buf[i] = pad
	}

	return i
}

func toUint64(arg interface{}) (uint64, bool) {
	switch v := arg.(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case uint:
		return uint64(v), true
	case uintptr:
		return uint64(v), true
	case int8:
		return uint64(v), true
	case int16:
		return uint64(v), true
	case int32:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case int:
		return uint64(v), true
	default:
		return 0, false
	}
}

package jsonlt

import (
	"bytes"
	"fmt"
	"strings"
)

// Mode selects the conformance profile for parsing and writing. The zero
// Mode means "use the default" in [Options] and behaves as Lenient
// elsewhere.
type Mode uint8

const (
	// Lenient accepts the recoverable deviations a crashed or foreign
	// writer leaves behind: a BOM at file start, CRLF, blank lines, a
	// truncated final line. Duplicate object keys resolve last-value-wins.
	// Written numbers keep their original text.
	Lenient Mode = iota + 1

	// Strict rejects every deviation and writes canonical bytes.
	Strict
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	}

	return "default"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts "strict" or "lenient".
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "strict":
		*m = Strict
	case "lenient":
		*m = Lenient
	default:
		return fmt.Errorf("invalid mode %q (want strict or lenient)", text)
	}

	return nil
}

const (
	fieldHeader  = "$jsonlt"
	fieldDeleted = "$deleted"
)

var bom = []byte("\xef\xbb\xbf")

// LineKind classifies a parsed line.
type LineKind uint8

const (
	// LineSkip is a blank line Lenient mode ignores.
	LineSkip LineKind = iota
	LineHeader
	LineUpsert
	LineTombstone
)

func (k LineKind) String() string {
	switch k {
	case LineHeader:
		return "header"
	case LineUpsert:
		return "upsert"
	case LineTombstone:
		return "tombstone"
	case LineSkip:
		return "skip"
	}

	return "unknown"
}

// Line is one classified line.
type Line struct {
	Kind LineKind

	// Header is set for LineHeader.
	Header *Header

	// Object is the decoded object for LineUpsert and LineTombstone.
	Object Record
}

// ParseLine parses one line with its terminator removed.
//
// It validates JSON, object shape, limits and the $-field rules, but not
// keys (which need the [KeySpec]) or the line's position. Strict mode
// rejects CR, BOM and empty lines; Lenient mode strips one trailing CR
// and reports blank lines as [LineSkip].
func ParseLine(line []byte, mode Mode) (Line, error) {
	if mode == Strict {
		if bytes.HasPrefix(line, bom) {
			return Line{}, errorf(ErrParse, "byte order mark")
		}

		if bytes.IndexByte(line, '\r') >= 0 {
			return Line{}, errorf(ErrParse, "carriage return")
		}

		if len(line) == 0 {
			return Line{}, errorf(ErrParse, "empty line")
		}
	} else {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			return Line{Kind: LineSkip}, nil
		}
	}

	if len(line) > MaxRecordBytes {
		return Line{}, errorf(ErrLimit, "line is %d bytes, max %d", len(line), MaxRecordBytes)
	}

	v, err := decodeValue(line, mode)
	if err != nil {
		return Line{}, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return Line{}, errorf(ErrParse, "line is not a JSON object")
	}

	if _, ok := obj[fieldHeader]; ok {
		h, err := headerFromObject(obj)
		if err != nil {
			return Line{}, err
		}

		return Line{Kind: LineHeader, Header: h}, nil
	}

	del, ok := obj[fieldDeleted]
	if !ok {
		return Line{Kind: LineUpsert, Object: obj}, nil
	}

	if del != true {
		return Line{}, errorf(ErrParse, "$deleted must be true")
	}

	return Line{Kind: LineTombstone, Object: obj}, nil
}

// opFromLine derives the operation of an upsert or tombstone line.
func opFromLine(l Line, spec KeySpec) (Op, error) {
	if l.Kind == LineTombstone {
		for name := range l.Object {
			if strings.HasPrefix(name, "$") {
				continue
			}

			if !containsField(spec, name) {
				return Op{}, errorf(ErrParse, "tombstone has non-key field %q", name)
			}
		}
	}

	k, err := spec.KeyOf(l.Object)
	if err != nil {
		return Op{}, err
	}

	if l.Kind == LineTombstone {
		return Op{Kind: OpTombstone, Key: k}, nil
	}

	return Op{Kind: OpUpsert, Key: k, Record: l.Object}, nil
}

func containsField(spec KeySpec, name string) bool {
	for _, f := range spec.fields {
		if f == name {
			return true
		}
	}

	return false
}

// Position is how far a reader has consumed a file.
type Position struct {
	// Offset is the number of bytes folded into state.
	Offset int64

	// Line is the number of physical lines consumed.
	Line int

	// OpenTail is set when the last consumed line had no LF. The next
	// appended block must start with one, and the next incremental read
	// skips it.
	OpenTail bool
}

// chunk is the result of scanning data appended after a Position.
type chunk struct {
	ops  []Op
	next Position

	// torn is the number of trailing bytes discarded as an incomplete
	// final line (Lenient only).
	torn int
}

// firstHeader returns the header on the first line of data, if any.
func firstHeader(data []byte, mode Mode) (*Header, error) {
	if len(data) == 0 {
		return nil, nil
	}

	end := bytes.IndexByte(data, '\n')
	if end < 0 {
		end = len(data)
	}

	line := data[:end]
	if mode != Strict {
		line = bytes.TrimPrefix(line, bom)
	}

	l, err := ParseLine(line, mode)
	if err != nil {
		if end == len(data) && mode != Strict {
			// A torn first line is recovered by the scan.
			return nil, nil
		}

		return nil, atLine(err, 1)
	}

	if l.Kind != LineHeader {
		return nil, nil
	}

	return l.Header, nil
}

// scan parses data, the file contents after at, into operations.
//
// A header is accepted only as physical line 1. Strict mode rejects a
// final line without LF; Lenient mode keeps it if it parses and otherwise
// discards it, reporting the discarded length in chunk.torn.
func scan(data []byte, at Position, mode Mode, spec KeySpec) (chunk, error) {
	out := chunk{next: at}
	pos := 0

	if at.OpenTail && len(data) > 0 && data[0] == '\n' {
		pos = 1
		out.next.Offset++
		out.next.OpenTail = false
	}

	for pos < len(data) {
		lineNo := out.next.Line + 1
		end := bytes.IndexByte(data[pos:], '\n')
		terminated := end >= 0

		if !terminated {
			end = len(data) - pos
		}

		raw := data[pos : pos+end]
		if lineNo == 1 && mode != Strict {
			raw = bytes.TrimPrefix(raw, bom)
		}

		l, err := ParseLine(raw, mode)

		if !terminated {
			if mode == Strict {
				if err == nil {
					err = errorf(ErrParse, "final line has no LF terminator")
				}

				return chunk{}, atLine(err, lineNo)
			}

			if err != nil {
				out.torn = end

				return out, nil
			}
		}

		if err != nil {
			return chunk{}, atLine(err, lineNo)
		}

		switch l.Kind {
		case LineSkip:
		case LineHeader:
			if lineNo != 1 {
				return chunk{}, atLine(errorf(ErrParse, "header must be the first line"), lineNo)
			}
		case LineUpsert, LineTombstone:
			op, err := opFromLine(l, spec)
			if err != nil {
				return chunk{}, atLine(err, lineNo)
			}

			out.ops = append(out.ops, op)
		}

		consumed := end
		if terminated {
			consumed++
		}

		pos += consumed
		out.next.Offset += int64(consumed)
		out.next.Line = lineNo
		out.next.OpenTail = !terminated
	}

	return out, nil
}

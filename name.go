package gofat32

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aligator/gofat32/checkpoint"
	"golang.org/x/text/encoding/unicode"
)

const (
	// lfnChars is the amount of UTF-16 units one long filename record holds.
	lfnChars = 13
	// maxLFNRecords is the highest sequence number of a long filename record.
	maxLFNRecords = 20
	// maxNameLength is the maximum length of a long name in UTF-16 units.
	maxNameLength = 255
)

// lfnEncoding is the encoding of the long filename fragments.
var lfnEncoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeName converts an UTF-8 name to UTF-16 units, using surrogate pairs
// for code points beyond the basic multilingual plane.
func encodeName(name string) ([]uint16, error) {
	if !utf8.ValidString(name) {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is no valid utf-8", name), ErrInvalidName)
	}
	raw, err := lfnEncoding.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrInvalidName)
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return units, nil
}

// decodeName converts UTF-16 units back to UTF-8.
// It stops at the first 0x0000 terminator or 0xFFFF padding unit.
// Unpaired surrogates are replaced by U+FFFD.
func decodeName(units []uint16) (string, error) {
	raw := make([]byte, 0, len(units)*2)
	for _, u := range units {
		if u == 0x0000 || u == 0xFFFF {
			break
		}
		raw = append(raw, byte(u), byte(u>>8))
	}
	name, err := lfnEncoding.NewDecoder().Bytes(raw)
	if err != nil {
		return "", checkpoint.Wrap(err, ErrInvalidName)
	}
	return string(name), nil
}

// lfnRecordCount returns how many long filename records a name of the given
// UTF-16 length needs.
func lfnRecordCount(units int) int {
	return (units + lfnChars - 1) / lfnChars
}

// validateName checks a single path element which is about to be written.
func validateName(name string) ([]uint16, error) {
	if name == "" || name == "." || name == ".." {
		return nil, checkpoint.Wrap(fmt.Errorf("reserved name %q", name), ErrInvalidName)
	}
	// Windows strips these, so the short name would not match the long one.
	if last := name[len(name)-1]; last == '.' || last == ' ' {
		return nil, checkpoint.Wrap(fmt.Errorf("%q ends with %q", name, last), ErrInvalidName)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`"*/:<>?\|`, r) {
			return nil, checkpoint.Wrap(fmt.Errorf("%q contains the character %q", name, r), ErrInvalidName)
		}
	}
	units, err := encodeName(name)
	if err != nil {
		return nil, err
	}
	if len(units) > maxNameLength {
		return nil, checkpoint.Wrap(fmt.Errorf("%d utf-16 units, max is %d", len(units), maxNameLength), ErrInvalidName)
	}
	return units, nil
}

// shortName is a packed 8.3 name: 8 bytes body and 3 bytes extension, both space padded.
type shortName [11]byte

var (
	dotName    = shortName{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotDotName = shortName{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

// checksum is the VFAT checksum long filename records use to refer to their short record.
func (s shortName) checksum() byte {
	var sum byte
	for _, b := range s {
		sum = (sum&1)<<7 + sum>>1 + b
	}
	return sum
}

// String returns the name in the usual NAME.EXT notation.
func (s shortName) String() string {
	return s.decode(0)
}

// decode returns the readable name. caseFlags is the NT case byte of the record
// which marks a lower case body (0x08) or extension (0x10).
func (s shortName) decode(caseFlags byte) string {
	body := strings.TrimRight(string(s[:8]), " ")
	ext := strings.TrimRight(string(s[8:]), " ")

	if caseFlags&0x08 != 0 {
		body = strings.ToLower(body)
	}
	if caseFlags&0x10 != 0 {
		ext = strings.ToLower(ext)
	}

	if ext != "" {
		return body + "." + ext
	}
	return body
}

// isShortChar reports characters allowed in an 8.3 name besides A-Z and 0-9.
func isShortChar(c rune) bool {
	return strings.ContainsRune("!#$%&'()-@^_`{}~", c)
}

// shortBase reduces a long name to the raw body and extension of an 8.3 name.
// lossy reports whether information was lost on the way.
func shortBase(name string) (body, ext string, lossy bool) {
	convert := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z':
				// The long name keeps the case.
				r -= 'a' - 'A'
			case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', isShortChar(r):
			case r == ' ' || r == '.':
				lossy = true
				continue
			default:
				r = '_'
				lossy = true
			}
			b.WriteRune(r)
		}
		return b.String()
	}

	trimmed := strings.TrimLeft(name, ". ")
	if trimmed != name {
		lossy = true
	}

	base := trimmed
	if dot := strings.LastIndexByte(trimmed, '.'); dot >= 0 {
		base = trimmed[:dot]
		ext = convert(trimmed[dot+1:])
	}
	body = convert(base)

	if len(body) > 8 {
		body = body[:8]
		lossy = true
	}
	if len(ext) > 3 {
		ext = ext[:3]
		lossy = true
	}
	if body == "" {
		body = "_"
		lossy = true
	}
	return body, ext, lossy
}

func packShortName(body, ext string) shortName {
	var s shortName
	for i := range s {
		s[i] = ' '
	}
	copy(s[:8], body)
	copy(s[8:], ext)
	return s
}

// generateShortName derives the 8.3 name stored next to a long name.
// A lossless name is used as is. Otherwise, or if taken reports a collision,
// a numeric tail "~N" is added, counting up until a free name is found.
func generateShortName(name string, taken func(shortName) bool) (shortName, error) {
	body, ext, lossy := shortBase(name)
	if !lossy {
		if s := packShortName(body, ext); !taken(s) {
			return s, nil
		}
	}

	for n := 1; n <= 999999; n++ {
		tail := "~" + strconv.Itoa(n)
		b := body
		if len(b)+len(tail) > 8 {
			b = b[:8-len(tail)]
		}
		if s := packShortName(b+tail, ext); !taken(s) {
			return s, nil
		}
	}
	return shortName{}, checkpoint.Wrap(fmt.Errorf("no free short name for %q", name), ErrExist)
}

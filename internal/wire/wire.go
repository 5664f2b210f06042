// Package wire implements the call payload codec.
//
// A payload is a 4-byte operation selector followed by 32-byte argument
// words. The selector is the first four bytes of the BLAKE3 hash of the
// canonical operation signature. Fixed arguments occupy one word each; an
// optional dynamic bytes argument comes last as a length word followed by
// the raw bytes.
package wire

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/molt/internal/ident"
)

const (
	// SelectorSize is the width of the operation selector in bytes.
	SelectorSize = 4

	// WordSize is the width of one argument word in bytes.
	WordSize = 32
)

// UpgradeSignature is the canonical signature of the reserved upgrade
// operation understood by the dispatcher's admin path.
const UpgradeSignature = "upgradeAndCall(id,bytes)"

// UpgradeSelector is the selector of the reserved upgrade operation.
var UpgradeSelector = SelectorFor(UpgradeSignature)

// Selector identifies an operation.
type Selector [SelectorSize]byte

// SelectorFor derives the selector for a canonical signature string,
// e.g. "transfer(id,u64)".
func SelectorFor(signature string) Selector {
	sum := blake3.Sum256([]byte(signature))
	var s Selector
	copy(s[:], sum[:SelectorSize])
	return s
}

// String returns the selector as hex.
func (s Selector) String() string {
	return hex.EncodeToString(s[:])
}

// Word is one 32-byte argument word.
type Word [WordSize]byte

// IDWord packs an identity into a word.
func IDWord(id ident.ID) Word {
	return Word(id)
}

// U64Word packs an unsigned 64-bit value into the low 8 bytes of a word,
// big-endian.
func U64Word(v uint64) Word {
	var w Word
	binary.BigEndian.PutUint64(w[24:32], v)
	return w
}

// BoolWord packs a boolean as a 0 or 1 word.
func BoolWord(b bool) Word {
	var w Word
	if b {
		w[31] = 1
	}
	return w
}

// Arg is one encodable call argument.
type Arg interface {
	appendTo(b []byte) []byte
	dynamic() bool
}

type wordArg Word

func (a wordArg) appendTo(b []byte) []byte { return append(b, a[:]...) }
func (a wordArg) dynamic() bool            { return false }

type bytesArg []byte

func (a bytesArg) appendTo(b []byte) []byte {
	w := U64Word(uint64(len(a)))
	b = append(b, w[:]...)
	return append(b, a...)
}
func (a bytesArg) dynamic() bool { return true }

// IDArg encodes an identity argument.
func IDArg(id ident.ID) Arg { return wordArg(IDWord(id)) }

// U64Arg encodes an unsigned 64-bit argument.
func U64Arg(v uint64) Arg { return wordArg(U64Word(v)) }

// BoolArg encodes a boolean argument.
func BoolArg(b bool) Arg { return wordArg(BoolWord(b)) }

// BytesArg encodes the dynamic bytes argument. It must be the final
// argument of the call.
func BytesArg(b []byte) Arg { return bytesArg(b) }

// Encode builds a call payload from a selector and argument list.
func Encode(sel Selector, args ...Arg) ([]byte, error) {
	buf := make([]byte, 0, SelectorSize+len(args)*WordSize)
	buf = append(buf, sel[:]...)
	for i, a := range args {
		if a.dynamic() && i != len(args)-1 {
			return nil, ErrTailNotLast
		}
		buf = a.appendTo(buf)
	}
	return buf, nil
}

// Call is a parsed payload: the selector plus the raw argument data.
// Argument accessors decode on demand since the shape is known only to the
// operation's handler.
type Call struct {
	Selector Selector

	data []byte
}

// Parse splits a payload into selector and argument data.
func Parse(payload []byte) (Call, error) {
	if len(payload) < SelectorSize {
		return Call{}, ErrShortPayload
	}
	var c Call
	copy(c.Selector[:], payload[:SelectorSize])
	c.data = payload[SelectorSize:]
	return c, nil
}

// Word returns the i-th fixed argument word.
func (c Call) Word(i int) (Word, error) {
	end := (i + 1) * WordSize
	if len(c.data) < end {
		return Word{}, ErrTruncated
	}
	var w Word
	copy(w[:], c.data[i*WordSize:end])
	return w, nil
}

// ID decodes the i-th fixed argument as an identity.
func (c Call) ID(i int) (ident.ID, error) {
	w, err := c.Word(i)
	if err != nil {
		return ident.Zero, err
	}
	return ident.ID(w), nil
}

// U64 decodes the i-th fixed argument as an unsigned 64-bit value. The
// upper 24 bytes of the word must be zero.
func (c Call) U64(i int) (uint64, error) {
	w, err := c.Word(i)
	if err != nil {
		return 0, err
	}
	return u64FromWord(w)
}

// Bool decodes the i-th fixed argument as a boolean 0/1 word.
func (c Call) Bool(i int) (bool, error) {
	v, err := c.U64(i)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, ErrWordRange
	}
	return v == 1, nil
}

// Tail decodes the dynamic bytes argument that follows `fixed` fixed words:
// a length word, then exactly that many raw bytes.
func (c Call) Tail(fixed int) ([]byte, error) {
	off := fixed * WordSize
	if len(c.data) < off+WordSize {
		return nil, ErrTruncated
	}
	var lw Word
	copy(lw[:], c.data[off:off+WordSize])
	n, err := u64FromWord(lw)
	if err != nil {
		return nil, err
	}
	rest := c.data[off+WordSize:]
	if uint64(len(rest)) != n {
		return nil, ErrLengthMismatch
	}
	return rest, nil
}

// Fixed verifies the argument data is exactly n words with no tail.
func (c Call) Fixed(n int) error {
	if len(c.data) != n*WordSize {
		return ErrLengthMismatch
	}
	return nil
}

// Payload re-encodes the call back to its byte form.
func (c Call) Payload() []byte {
	buf := make([]byte, 0, SelectorSize+len(c.data))
	buf = append(buf, c.Selector[:]...)
	return append(buf, c.data...)
}

func u64FromWord(w Word) (uint64, error) {
	for _, b := range w[:24] {
		if b != 0 {
			return 0, ErrWordRange
		}
	}
	return binary.BigEndian.Uint64(w[24:32]), nil
}

// U64Result encodes a single-word unsigned 64-bit result.
func U64Result(v uint64) []byte {
	w := U64Word(v)
	return w[:]
}

// BoolResult encodes a single-word boolean result.
func BoolResult(b bool) []byte {
	w := BoolWord(b)
	return w[:]
}

// IDResult encodes a single-word identity result.
func IDResult(id ident.ID) []byte {
	w := IDWord(id)
	return w[:]
}

// DecodeU64 reads a single-word unsigned 64-bit result.
func DecodeU64(result []byte) (uint64, error) {
	if len(result) != WordSize {
		return 0, ErrLengthMismatch
	}
	var w Word
	copy(w[:], result)
	return u64FromWord(w)
}

// DecodeBool reads a single-word boolean result.
func DecodeBool(result []byte) (bool, error) {
	v, err := DecodeU64(result)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, ErrWordRange
	}
	return v == 1, nil
}

// DecodeID reads a single-word identity result.
func DecodeID(result []byte) (ident.ID, error) {
	if len(result) != WordSize {
		return ident.Zero, ErrLengthMismatch
	}
	return ident.FromBytes(result)
}

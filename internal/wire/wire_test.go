package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/molt/internal/ident"
)

func TestSelectorFor(t *testing.T) {
	a := SelectorFor("transfer(id,u64)")
	b := SelectorFor("transfer(id,u64)")
	c := SelectorFor("approve(id,u64)")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 8)
}

func TestUpgradeSelectorStable(t *testing.T) {
	assert.Equal(t, SelectorFor("upgradeAndCall(id,bytes)"), UpgradeSelector)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	to := ident.FromLabel("recipient")
	sel := SelectorFor("transfer(id,u64)")

	payload, err := Encode(sel, IDArg(to), U64Arg(1234))
	require.NoError(t, err)
	assert.Len(t, payload, SelectorSize+2*WordSize)

	c, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, sel, c.Selector)
	require.NoError(t, c.Fixed(2))

	gotTo, err := c.ID(0)
	require.NoError(t, err)
	assert.Equal(t, to, gotTo)

	gotAmt, err := c.U64(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), gotAmt)
}

func TestEncodeTail(t *testing.T) {
	mod := ident.FromLabel("ledger@2")
	init := []byte{0xaa, 0xbb, 0xcc}

	payload, err := Encode(UpgradeSelector, IDArg(mod), BytesArg(init))
	require.NoError(t, err)

	c, err := Parse(payload)
	require.NoError(t, err)

	gotMod, err := c.ID(0)
	require.NoError(t, err)
	assert.Equal(t, mod, gotMod)

	tail, err := c.Tail(1)
	require.NoError(t, err)
	assert.Equal(t, init, tail)
}

func TestEncodeEmptyTail(t *testing.T) {
	payload, err := Encode(UpgradeSelector, IDArg(ident.FromLabel("m")), BytesArg(nil))
	require.NoError(t, err)

	c, err := Parse(payload)
	require.NoError(t, err)

	tail, err := c.Tail(1)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestEncodeTailNotLast(t *testing.T) {
	_, err := Encode(SelectorFor("bad(bytes,u64)"), BytesArg([]byte{1}), U64Arg(2))
	assert.ErrorIs(t, err, ErrTailNotLast)
}

func TestParseShortPayload(t *testing.T) {
	_, err := Parse([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrShortPayload)

	_, err = Parse(nil)
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestWordTruncated(t *testing.T) {
	payload, err := Encode(SelectorFor("balanceOf(id)"), IDArg(ident.FromLabel("a")))
	require.NoError(t, err)

	c, err := Parse(payload[:len(payload)-1])
	require.NoError(t, err)

	_, err = c.Word(0)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestU64RejectsWideWord(t *testing.T) {
	id := ident.FromLabel("not-a-number")
	payload, err := Encode(SelectorFor("f(u64)"), IDArg(id))
	require.NoError(t, err)

	c, err := Parse(payload)
	require.NoError(t, err)

	_, err = c.U64(0)
	assert.ErrorIs(t, err, ErrWordRange)
}

func TestFixedLengthMismatch(t *testing.T) {
	payload, err := Encode(SelectorFor("f(u64)"), U64Arg(1))
	require.NoError(t, err)

	c, err := Parse(payload)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Fixed(2), ErrLengthMismatch)
	assert.ErrorIs(t, c.Fixed(0), ErrLengthMismatch)
}

func TestTailLengthMismatch(t *testing.T) {
	payload, err := Encode(UpgradeSelector, IDArg(ident.FromLabel("m")), BytesArg([]byte{1, 2, 3}))
	require.NoError(t, err)

	// Truncate one byte off the declared tail.
	c, err := Parse(payload[:len(payload)-1])
	require.NoError(t, err)

	_, err = c.Tail(1)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestTailMissingLengthWord(t *testing.T) {
	payload, err := Encode(UpgradeSelector, IDArg(ident.FromLabel("m")))
	require.NoError(t, err)

	c, err := Parse(payload)
	require.NoError(t, err)

	_, err = c.Tail(1)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPayloadRoundTrip(t *testing.T) {
	payload, err := Encode(SelectorFor("totalSupply()"))
	require.NoError(t, err)

	c, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, c.Payload())
	require.NoError(t, c.Fixed(0))
}

func TestResults(t *testing.T) {
	v, err := DecodeU64(U64Result(987654321))
	require.NoError(t, err)
	assert.Equal(t, uint64(987654321), v)

	b, err := DecodeBool(BoolResult(true))
	require.NoError(t, err)
	assert.True(t, b)

	b, err = DecodeBool(BoolResult(false))
	require.NoError(t, err)
	assert.False(t, b)

	id := ident.FromLabel("owner")
	got, err := DecodeID(IDResult(id))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = DecodeU64([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestBoolWordRange(t *testing.T) {
	_, err := DecodeBool(U64Result(2))
	assert.ErrorIs(t, err, ErrWordRange)
}

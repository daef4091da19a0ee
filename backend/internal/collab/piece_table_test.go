package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwiki/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	assert.Equal(t, "Hello world", pt.String())
	assert.Equal(t, len([]rune("Hello world")), pt.Len())
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},               // 跳过 "Hello"
		{Kind: delta.KindInsert, Text: " collaborative"}, // 在 pos=5 插入
	}
	require.NoError(t, pt.Apply(d))
	assert.Equal(t, "Hello collaborative world", pt.String())
	assert.Equal(t, 25, pt.Len())
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},  // "Hello"
		{Kind: delta.KindDelete, Count: 14}, // " collaborative" 长度
	}
	require.NoError(t, pt.Apply(d))
	assert.Equal(t, "Hello world", pt.String())
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	require.NoError(t, pt.Apply(delta.Delta{
		{Kind: delta.KindRetain, Count: 3},
		{Kind: delta.KindInsert, Text: "XYZ"},
	}))
	require.Equal(t, "abcXYZdef", pt.String())

	// 从 "b" 删到 "e"，跨越三个 piece
	require.NoError(t, pt.Apply(delta.Delta{
		{Kind: delta.KindRetain, Count: 1},
		{Kind: delta.KindDelete, Count: 7},
	}))
	assert.Equal(t, "af", pt.String())
	assert.Equal(t, 2, pt.Len())
}

func TestPieceTable_ReplaceSequence(t *testing.T) {
	pt := NewPieceTable("ABCD")
	require.NoError(t, pt.Apply(delta.ToDelta([]delta.Replace{
		{Start: 0, End: 1, Text: "Z"},
		{Start: 2, End: 3, Text: "Y"},
	})))
	assert.Equal(t, "ZBYD", pt.String())
}

func TestPieceTable_EmptyAndUnicode(t *testing.T) {
	pt := NewPieceTable("")
	require.NoError(t, pt.Apply(delta.Delta{{Kind: delta.KindInsert, Text: "维基"}}))
	require.NoError(t, pt.Apply(delta.Delta{
		{Kind: delta.KindRetain, Count: 1},
		{Kind: delta.KindInsert, Text: "百"},
	}))
	assert.Equal(t, "维百基", pt.String())
	assert.Equal(t, 3, pt.Len())
}

func TestPieceTable_OutOfBoundsLeavesContent(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{
		{Kind: delta.KindInsert, Text: "x"},
		{Kind: delta.KindRetain, Count: 2},
		{Kind: delta.KindDelete, Count: 5},
	})
	assert.ErrorIs(t, err, delta.ErrInvalidRange)
	assert.Equal(t, "abc", pt.String())
}

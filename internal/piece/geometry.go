// Package piece implements the per-piece and per-block bookkeeping
// described in spec.md §4.1-4.2: block-granular piece geometry,
// ActivePiece state, a pooled byte-buffer allocator, and the
// three-state ActivePieceManager index.
//
// Geometry helpers grounded on pkg/piece/piece.go's PieceCount /
// LastPieceLength / PieceLengthAt / BlockCountForPiece / ... family,
// kept nearly verbatim (this is pure arithmetic with no room for
// stylistic drift) but returning errors via Go's (T, error) idiom
// throughout rather than the teacher's mixed -1-sentinel/error style,
// for consistency with the rest of this module.
package piece

import "fmt"

// BlockLength is the canonical wire request granularity (spec.md §6):
// all blocks are this long except the final block of the final piece.
const BlockLength = 16 * 1024

// Count returns how many pieces cover totalSize bytes at pieceLength,
// the last possibly shorter.
func Count(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((totalSize + pieceLength - 1) / pieceLength)
}

// LastLength returns the byte length of the final piece.
func LastLength(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	if rem := int(totalSize % pieceLength); rem != 0 {
		return rem
	}
	return int(pieceLength)
}

// LengthAt returns the length of piece index.
func LengthAt(index int, totalSize, pieceLength int64) (int, error) {
	pc := Count(totalSize, pieceLength)
	if index < 0 || index >= pc {
		return 0, fmt.Errorf("piece: index %d out of range (count=%d)", index, pc)
	}
	if index == pc-1 {
		return LastLength(totalSize, pieceLength), nil
	}
	return int(pieceLength), nil
}

// OffsetBounds returns the [start, end) byte range of piece index in
// the torrent's flat byte stream.
func OffsetBounds(index int, totalSize, pieceLength int64) (start, end int64, err error) {
	pl, err := LengthAt(index, totalSize, pieceLength)
	if err != nil {
		return 0, 0, err
	}
	start = int64(index) * pieceLength
	return start, start + int64(pl), nil
}

// IndexForOffset maps a stream byte offset to its piece index, or -1
// if offset is out of range.
func IndexForOffset(offset, totalSize, pieceLength int64) int {
	if offset < 0 || offset >= totalSize || pieceLength <= 0 {
		return -1
	}
	return int(offset / pieceLength)
}

// BlockCount returns how many blocks of blockLen compose a piece of
// pieceLen bytes, the last possibly shorter.
func BlockCount(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	n := pieceLen / blockLen
	if pieceLen%blockLen != 0 {
		n++
	}
	return n
}

// LastBlockLength returns the byte length of the final block in a
// piece of pieceLen bytes.
func LastBlockLength(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	if rem := pieceLen % blockLen; rem != 0 {
		return rem
	}
	return blockLen
}

// BlockBounds returns the (begin, length) of blockIdx within a piece
// of pieceLen bytes, begin relative to the start of the piece.
func BlockBounds(pieceLen, blockLen, blockIdx int) (begin, length int, err error) {
	bc := BlockCount(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("piece: block index %d out of range (count=%d)", blockIdx, bc)
	}
	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen, blockLen)
	}
	return begin, length, nil
}

// BlockIndexForBegin returns the block index inside a piece for byte
// offset begin within that piece, or -1 if out of range.
func BlockIndexForBegin(begin, pieceLen, blockLen int) int {
	if begin < 0 || begin >= pieceLen || blockLen <= 0 {
		return -1
	}
	return begin / blockLen
}

// BlocksInPiece is BlockCount specialized to the canonical BlockLength.
func BlocksInPiece(pieceLen int) int { return BlockCount(pieceLen, BlockLength) }

// StandardBlockBounds is BlockBounds specialized to BlockLength.
func StandardBlockBounds(pieceLen, blockIdx int) (begin, length int, err error) {
	return BlockBounds(pieceLen, BlockLength, blockIdx)
}

// StreamToPieceBlock maps a flat stream offset to
// (pieceIdx, blockIdx, beginWithinPiece), or (-1,-1,-1) if invalid.
func StreamToPieceBlock(offset, totalSize, pieceLength int64, blockLen int) (pieceIdx, blockIdx, begin int) {
	pieceIdx = IndexForOffset(offset, totalSize, pieceLength)
	if pieceIdx < 0 {
		return -1, -1, -1
	}
	start, _, err := OffsetBounds(pieceIdx, totalSize, pieceLength)
	if err != nil {
		return -1, -1, -1
	}
	begin = int(offset - start)
	pl, _ := LengthAt(pieceIdx, totalSize, pieceLength)
	blockIdx = BlockIndexForBegin(begin, pl, blockLen)
	if blockIdx < 0 {
		return -1, -1, -1
	}
	return pieceIdx, blockIdx, begin
}

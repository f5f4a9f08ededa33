package piece

import "testing"

func TestCountAndLastLength(t *testing.T) {
	cases := []struct {
		totalSize, pieceLength int64
		wantCount              int
		wantLast               int
	}{
		{32768, 16384, 2, 16384},
		{32769, 16384, 3, 1},
		{0, 16384, 0, 0},
	}
	for _, tc := range cases {
		if got := Count(tc.totalSize, tc.pieceLength); got != tc.wantCount {
			t.Errorf("Count(%d,%d) = %d, want %d", tc.totalSize, tc.pieceLength, got, tc.wantCount)
		}
		if got := LastLength(tc.totalSize, tc.pieceLength); got != tc.wantLast {
			t.Errorf("LastLength(%d,%d) = %d, want %d", tc.totalSize, tc.pieceLength, got, tc.wantLast)
		}
	}
}

func TestLengthAtLastPieceShorter(t *testing.T) {
	totalSize, pieceLength := int64(32769), int64(16384)
	got, err := LengthAt(2, totalSize, pieceLength)
	if err != nil {
		t.Fatalf("LengthAt: %v", err)
	}
	if got != 1 {
		t.Fatalf("LengthAt(last) = %d, want 1", got)
	}

	if _, err := LengthAt(3, totalSize, pieceLength); err == nil {
		t.Fatalf("LengthAt out of range should error")
	}
}

func TestBlockBoundsLastBlockShorter(t *testing.T) {
	pieceLen := 65536 - 1 // one byte short of exactly 4 standard blocks
	begin, length, err := StandardBlockBounds(pieceLen, 3)
	if err != nil {
		t.Fatalf("StandardBlockBounds: %v", err)
	}
	if begin != 3*BlockLength {
		t.Fatalf("begin = %d, want %d", begin, 3*BlockLength)
	}
	if length != BlockLength-1 {
		t.Fatalf("length = %d, want %d", length, BlockLength-1)
	}
}

func TestBlockIndexForBeginOutOfRange(t *testing.T) {
	if got := BlockIndexForBegin(-1, 100, 10); got != -1 {
		t.Fatalf("negative begin should return -1, got %d", got)
	}
	if got := BlockIndexForBegin(100, 100, 10); got != -1 {
		t.Fatalf("begin==pieceLen should return -1, got %d", got)
	}
}

func TestStreamToPieceBlockRoundTrip(t *testing.T) {
	totalSize, pieceLength := int64(65536*2), int64(65536)
	offset := int64(65536 + 32768 + 100)

	pieceIdx, blockIdx, begin := StreamToPieceBlock(offset, totalSize, pieceLength, BlockLength)
	if pieceIdx != 1 {
		t.Fatalf("pieceIdx = %d, want 1", pieceIdx)
	}
	if blockIdx != 2 {
		t.Fatalf("blockIdx = %d, want 2", blockIdx)
	}
	if begin != 32768+100 {
		t.Fatalf("begin = %d, want %d", begin, 32768+100)
	}
}

func TestStreamToPieceBlockInvalidOffset(t *testing.T) {
	pieceIdx, blockIdx, begin := StreamToPieceBlock(-1, 65536, 65536, BlockLength)
	if pieceIdx != -1 || blockIdx != -1 || begin != -1 {
		t.Fatalf("invalid offset should yield (-1,-1,-1), got (%d,%d,%d)", pieceIdx, blockIdx, begin)
	}
}

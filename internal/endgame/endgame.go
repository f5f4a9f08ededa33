// Package endgame implements EndgameManager (spec.md §4.4): the
// enter/exit decision for endgame mode and CANCEL derivation when a
// duplicate-requested block completes.
//
// Grounded on pkg/piece/picker.go's endgame field and the
// duplicate-cancellation handling in its OnBlockReceived, generalized
// from the teacher's single-bool-on-the-Picker shape into a standalone
// decision function plus a small stateful wrapper, since spec.md keeps
// EndgameManager as its own named component distinct from
// ActivePieceManager.
package endgame

import "github.com/finchwire/torrentengine/internal/piece"

// Manager tracks whether the torrent currently holds endgame mode.
type Manager struct {
	active bool
}

// New returns a Manager starting outside endgame.
func New() *Manager { return &Manager{} }

// Active reports whether endgame mode is currently held.
func (m *Manager) Active() bool { return m.active }

// Evaluate re-derives endgame status from missingPieces (count of
// pieces neither verified nor fully responded), activePieces (count
// currently in progress), and anyUnrequestedBlocks (whether any
// missing block across all active pieces has zero outstanding
// requests). Enter when every missing block is already requested
// somewhere; exit otherwise. Returns the new state.
func (m *Manager) Evaluate(missingPieces, activePieces int, anyUnrequestedBlocks bool) bool {
	m.active = missingPieces <= activePieces && !anyUnrequestedBlocks
	return m.active
}

// Cancellation is one CANCEL the caller must send to a peer that lost
// the race for a block.
type Cancellation struct {
	Peer   piece.PeerKey
	Index  int
	Begin  int
	Length int
}

// DeriveCancellations returns the CANCELs owed to losers, the peers
// (other than the winner) that held an outstanding endgame request for
// blockIndex in ap when winner's block was accepted. Callers must
// capture losers via ap.EndgameOwnersExcept *before* calling
// ActivePiece.AddBlock, since AddBlock clears the endgame owner map for
// blockIndex on first acceptance.
func (m *Manager) DeriveCancellations(losers []piece.PeerKey, ap *piece.ActivePiece, blockIndex, pieceLen, blockLen int) []Cancellation {
	if !m.active || len(losers) == 0 {
		return nil
	}
	begin, length, err := piece.BlockBounds(pieceLen, blockLen, blockIndex)
	if err != nil {
		return nil
	}
	out := make([]Cancellation, 0, len(losers))
	for _, peer := range losers {
		out = append(out, Cancellation{Peer: peer, Index: ap.Index, Begin: begin, Length: length})
		ap.CancelRequest(blockIndex, peer)
	}
	return out
}

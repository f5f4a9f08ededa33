package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/finchwire/torrentengine/internal/config"
	"github.com/finchwire/torrentengine/internal/meta"
	"github.com/finchwire/torrentengine/internal/persist"
)

// Client is the process-wide multi-torrent manager: it owns the one
// generated peer ID, the shared persisted-state store, and the set of
// running Torrent supervisors. Grounded on internal/torrent/client.go's
// Client, with the wails-bound Startup/SelectDownloadDirectory methods
// dropped (this module has no embedded UI, see DESIGN.md) and
// AddTorrent/NewTorrent rebased onto this module's meta/config/persist
// packages instead of the teacher's scheduler/storage/peer/tracker
// per-subsystem Config tree.
type Client struct {
	log      *slog.Logger
	cfg      config.Config
	clientID [20]byte
	store    *persist.Store

	mu       sync.RWMutex
	torrents map[[20]byte]*Torrent
}

// NewClient opens the shared persisted-state store at stateDBPath and
// returns a Client ready to accept AddTorrent calls.
func NewClient(cfg config.Config, stateDBPath string) (*Client, error) {
	clientID, err := generateClientID(cfg.ClientIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("torrent: generate client id: %w", err)
	}

	store, err := persist.Open(stateDBPath)
	if err != nil {
		return nil, fmt.Errorf("torrent: open state store: %w", err)
	}

	return &Client{
		log:      slog.Default(),
		cfg:      cfg,
		clientID: clientID,
		store:    store,
		torrents: make(map[[20]byte]*Torrent),
	}, nil
}

// AddTorrent parses a .torrent payload, constructs its Torrent
// supervisor, and starts its tick/announce loops in the background.
func (c *Client) AddTorrent(data []byte) (*Torrent, error) {
	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	tr, err := NewTorrent(c.clientID, mi, c.cfg, c.store, c.log)
	if err != nil {
		c.log.Error("failed to construct torrent", "error", err, "name", mi.Info.Name)
		return nil, err
	}

	infoHashHex := hex.EncodeToString(mi.InfoHash[:])
	c.log.Debug("adding torrent",
		"name", mi.Info.Name,
		"info_hash", infoHashHex,
		"size", mi.Size(),
		"pieces", len(mi.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[mi.InfoHash] = tr
	c.mu.Unlock()

	go func() {
		if err := tr.Run(context.Background()); err != nil {
			c.log.Error("torrent stopped", "name", mi.Info.Name, "info_hash", infoHashHex, "error", err)
		}
	}()
	return tr, nil
}

// GetDefaultConfig returns the config this Client was constructed
// with, for callers that want to derive a per-torrent override.
func (c *Client) GetDefaultConfig() config.Config { return c.cfg }

// RemoveTorrent stops and forgets the torrent identified by
// infoHashHex. Its persisted state record is left intact so re-adding
// the same torrent later resumes from where it left off.
func (c *Client) RemoveTorrent(infoHashHex string) error {
	infoHash, err := decodeInfoHash(infoHashHex)
	if err != nil {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tr, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug("removing torrent", "name", tr.metainfo.Info.Name, "info_hash", infoHashHex)
	tr.Stop()
	delete(c.torrents, infoHash)
	return nil
}

// GetTorrentStats returns the display snapshot for one torrent, or nil
// if infoHashHex names no torrent this Client is managing.
func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	infoHash, err := decodeInfoHash(infoHashHex)
	if err != nil {
		return nil
	}

	c.mu.RLock()
	tr, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	stats := tr.GetStats()
	return &stats
}

// ListTorrentStats returns a display snapshot for every torrent this
// Client is currently managing.
func (c *Client) ListTorrentStats() []Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Stats, 0, len(c.torrents))
	for _, tr := range c.torrents {
		out = append(out, tr.GetStats())
	}
	return out
}

// Close stops every managed torrent and closes the shared state store.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, tr := range c.torrents {
		tr.Stop()
	}
	c.torrents = make(map[[20]byte]*Torrent)
	c.mu.Unlock()

	return c.store.Close()
}

func decodeInfoHash(infoHashHex string) ([sha1.Size]byte, error) {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		return infoHash, fmt.Errorf("torrent: invalid info hash %q", infoHashHex)
	}
	copy(infoHash[:], raw)
	return infoHash, nil
}

// generateClientID builds the 20-byte peer ID: prefix (conventionally
// an 8-byte Azureus-style "-XX0000-" tag) followed by random bytes
// filling the rest.
func generateClientID(prefix string) ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	p := []byte(prefix)
	if len(p) > sha1.Size {
		p = p[:sha1.Size]
	}
	copy(peerID[:], p)

	if _, err := rand.Read(peerID[len(p):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}

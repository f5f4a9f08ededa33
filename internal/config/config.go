// Package config holds engine-wide tunables behind an atomically
// swappable global, mirroring the teacher's load/swap pattern
// (pkg/config/config.go, pkg/config/global.go).
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceDownloadStrategy enumerates the high-level piece selection
// policies PieceRequester's phase-2 candidate sort can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRarestFirst prioritizes pieces with the
	// lowest availability, weighted by priority (spec.md §4.2).
	PieceDownloadStrategyRarestFirst PieceDownloadStrategy = iota

	// PieceDownloadStrategySequential downloads pieces in ascending
	// index order.
	PieceDownloadStrategySequential

	// PieceDownloadStrategyRandom samples among eligible pieces.
	PieceDownloadStrategyRandom
)

// Config defines behavior and resource limits for the engine and its
// torrents. Fields map directly onto spec.md §6's "recognized options."
type Config struct {
	// DefaultDownloadDir is where new torrents' content is written.
	DefaultDownloadDir string

	// Port is the TCP port the engine listens on for incoming peers.
	Port uint16

	// MaxConnections is the process-wide cap across all torrents.
	MaxConnections int

	// MaxPeers is the per-torrent connected+connecting cap.
	MaxPeers int

	// ConnectingHeadroom is added to MaxPeers when computing available
	// outbound dial slots (spec.md §4.6).
	ConnectingHeadroom int

	// MaxUploadSlots bounds how many peers PeerCoordinator keeps
	// unchoked at once (spec.md §4.7); N-1 regular slots plus one
	// optimistic-unchoke slot.
	MaxUploadSlots int

	// NumWant is the number of peers requested per tracker announce.
	NumWant uint32

	// MaxUploadRate / MaxDownloadRate bound bytes/sec; 0 = unlimited.
	MaxUploadRate   int64
	MaxDownloadRate int64

	// AnnounceInterval overrides the tracker's suggested interval; 0
	// uses the tracker's value.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a floor between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff on announce failure.
	MaxAnnounceBackoff time.Duration

	// EnableIPv6 allows dialing IPv6 peers.
	EnableIPv6 bool

	// ClientIDPrefix customizes the 8-byte peer-ID prefix.
	ClientIDPrefix string

	// HasIPv6 records whether this host has a usable IPv6 route.
	HasIPv6 bool

	// PieceDownloadStrategy chooses phase-2 candidate ranking.
	PieceDownloadStrategy PieceDownloadStrategy

	// RequestTimeoutMs is the baseline request-pipeline staleness
	// horizon (spec.md §6, default 30000).
	RequestTimeoutMs int

	// BlockRequestTimeoutMs is the stale-request cancel threshold
	// (spec.md §5 (a), default 10000ms).
	BlockRequestTimeoutMs int

	// PieceAbandonTimeoutMs / PieceAbandonMinProgress gate
	// ActivePiece.shouldAbandon (spec.md §4.1, §5 (b)).
	PieceAbandonTimeoutMs   int
	PieceAbandonMinProgress float64

	// MaxActivePieces / MaxBufferedBytes bound ActivePieceManager
	// capacity (spec.md §4.2).
	MaxActivePieces  int
	MaxBufferedBytes int64

	// StandardPieceLength sizes PieceBufferPool's pooled buffers; 0
	// defers sizing to the first torrent added.
	StandardPieceLength int

	// MaxPoolSize is PieceBufferPool's buffer cap (default 64).
	MaxPoolSize int

	// ConnectTimeout seeds ConnectionTiming before any samples exist.
	ConnectTimeout time.Duration

	// BurstConnections is ConnectionManager's per-maintenance-tick dial
	// burst (default 5).
	BurstConnections int

	// SlowPeerMinSpeed / SlowPeerTimeoutMs feed the slow-peer drop rule
	// (spec.md §4.6).
	SlowPeerMinSpeed  int64
	SlowPeerTimeoutMs int

	// MaintenanceMinInterval / MaintenanceMaxInterval bound the
	// adaptive maintenance tick (spec.md §4.6).
	MaintenanceMinInterval time.Duration
	MaintenanceMaxInterval time.Duration

	// MaxInflightRequestsPerPeer / MaxRequestsPerPiece retained from the
	// teacher's picker config for the requester's pipeline cap.
	MaxInflightRequestsPerPeer int
	MaxRequestsPerPiece        int

	// EndgameDupPerBlock caps duplicate owners once endgame engages.
	EndgameDupPerBlock int

	PeerHeartbeatInterval    time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	DialTimeout              time.Duration
	KeepAliveInterval        time.Duration
	PeerOutboundQueueBacklog int

	// TickInterval is the global request-tick period (spec.md §5,
	// default 100ms).
	TickInterval time.Duration
}

func defaultConfig() Config {
	return Config{
		DefaultDownloadDir:         defaultDownloadDir(),
		Port:                       6969,
		MaxConnections:             500,
		MaxPeers:                   50,
		ConnectingHeadroom:         10,
		MaxUploadSlots:             4,
		NumWant:                    50,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		AnnounceInterval:           0,
		MinAnnounceInterval:        2 * time.Minute,
		MaxAnnounceBackoff:         5 * time.Minute,
		EnableIPv6:                 true,
		ClientIDPrefix:             "-FW0001-",
		HasIPv6:                    hasIPv6(),
		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		RequestTimeoutMs:           30_000,
		BlockRequestTimeoutMs:      10_000,
		PieceAbandonTimeoutMs:      30_000,
		PieceAbandonMinProgress:    0.5,
		MaxActivePieces:            256,
		MaxBufferedBytes:           256 << 20,
		StandardPieceLength:        0,
		MaxPoolSize:                64,
		ConnectTimeout:             5 * time.Second,
		BurstConnections:           5,
		SlowPeerMinSpeed:           1024,
		SlowPeerTimeoutMs:          60_000,
		MaintenanceMinInterval:     1 * time.Second,
		MaintenanceMaxInterval:     30 * time.Second,
		MaxInflightRequestsPerPeer: 10,
		MaxRequestsPerPiece:        4,
		EndgameDupPerBlock:         2,
		PeerHeartbeatInterval:      2 * time.Minute,
		ReadTimeout:                45 * time.Second,
		WriteTimeout:               45 * time.Second,
		DialTimeout:                30 * time.Second,
		KeepAliveInterval:          2 * time.Minute,
		PeerOutboundQueueBacklog:   25,
		TickInterval:               100 * time.Millisecond,
	}
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP == nil || ipNet.IP.To4() != nil {
				continue
			}
			if ipNet.IP.IsGlobalUnicast() && !ipNet.IP.IsLinkLocalUnicast() {
				return true
			}
		}
	}
	return false
}

// defaultDownloadDir mirrors the teacher's per-platform default, using
// runtime.GOOS rather than wails' platform wrapper (see DESIGN.md).
func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "torrentengine")
	default:
		return filepath.Join(home, ".local", "share", "torrentengine", "downloads")
	}
}

package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	compactStrideV4 = 6  // 4 bytes address + 2 bytes port
	compactStrideV6 = 18 // 16 bytes address + 2 bytes port
	rawAddrLenV4    = 4
	rawAddrLenV6    = 16
)

// decodePeers decodes an announce response's "peers" value, which BEP 3
// leaves as either a compact byte string (modern trackers) or a list of
// {ip, port} dicts (the older, verbose form some trackers still emit).
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), ipv6)
	case []byte:
		return decodeCompactPeers(t, ipv6)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

// decodeCompactPeers splits data into fixed-width address:port entries.
func decodeCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride := compactStrideV4
	if ipv6 {
		stride = compactStrideV6
	}
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers (len=%d, stride=%d)", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		chunk := data[off : off+stride]
		addr, ok := netip.AddrFromSlice(chunk[:stride-2])
		if !ok {
			return nil, fmt.Errorf("tracker: compact peer[%d]: invalid address bytes", i)
		}
		port := binary.BigEndian.Uint16(chunk[stride-2:])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}

// decodeDictPeers parses the verbose {ip, port}-per-peer list form.
func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		addr, err := decodeDictPeerAddr(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d]: %w", i, err)
		}

		p64, ok := m["port"].(int64)
		if !ok || p64 < 1 || p64 > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(p64)))
	}

	return peers, nil
}

// decodeDictPeerAddr accepts either a dotted/colon textual address or
// raw 4- or 16-byte address bytes — note these lengths are the bare
// address, not the compact-form stride (which also carries the port).
func decodeDictPeerAddr(v any) (netip.Addr, error) {
	switch ip := v.(type) {
	case string:
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad ip %q: %w", ip, err)
		}
		return addr, nil
	case []byte:
		switch len(ip) {
		case rawAddrLenV4, rawAddrLenV6:
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				return netip.Addr{}, fmt.Errorf("invalid ip bytes")
			}
			return addr, nil
		default:
			return netip.Addr{}, fmt.Errorf("bad ip bytes len=%d", len(ip))
		}
	default:
		return netip.Addr{}, fmt.Errorf("unsupported ip type %T", v)
	}
}

package content

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// A v1 link names a byte range of one sector by the sector's Merkle root.
// Portals answer trustless requests for it with the range followed by a
// range proof, so the bytes can be checked without trusting the portal.
const (
	sectorSize  = 1 << 22
	segmentSize = 64
	layoutSize  = 99
)

// addressKind tells how the bytes behind an address are verified.
type addressKind int

const (
	kindUnverifiable addressKind = iota
	kindLocal                    // BLAKE3 digest of the whole object
	kindSectorRange              // v1 link, Merkle range proof
)

func kindOf(raw []byte) addressKind {
	switch {
	case raw[0] == localHeader[0] && raw[1] == localHeader[1]:
		return kindLocal
	case binary.LittleEndian.Uint16(raw[:2])&3 == 0:
		return kindSectorRange
	}
	return kindUnverifiable
}

// parseV1Bitfield decodes the offset and length of the range a v1 link
// names. The low two bits are the version, then a unary mode, three bits of
// fetch size and the remaining bits of offset.
func parseV1Bitfield(bits uint16) (offset, fetchSize uint64, err error) {
	if bits&3 != 0 {
		return 0, 0, errors.New("not a v1 link")
	}
	b := uint64(bits >> 2)
	if b&0xff == 0xff {
		return 0, 0, errors.New("link has an unrecognized mode")
	}
	mode := 0
	for b&1 == 1 {
		b >>= 1
		mode++
	}
	b >>= 1

	offsetStep := uint64(4096) << mode
	fetchStep := uint64(4096)
	var fetchStart uint64
	if mode > 0 {
		fetchStep <<= mode - 1
		fetchStart = (1 << 15) << (mode - 1)
	}
	fetchSize = (b&7+1)*fetchStep + fetchStart
	offset = (b >> 3) * offsetStep
	if offset+fetchSize > sectorSize {
		return 0, 0, errors.New("link range runs past the end of the sector")
	}
	return offset, fetchSize, nil
}

func leafHash(segment []byte) [32]byte {
	var buf [1 + segmentSize]byte
	copy(buf[1:], segment)
	return blake2b.Sum256(buf[:])
}

func nodeHash(left, right [32]byte) [32]byte {
	var buf [65]byte
	buf[0] = 1
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake2b.Sum256(buf[:])
}

// proofStack holds at most one subtree root per height of a Merkle tree
// under construction. Heights strictly decrease towards the top.
type proofStack struct {
	roots   [][32]byte
	heights []int
}

func (s *proofStack) push(root [32]byte, height int) error {
	for {
		n := len(s.roots)
		if n == 0 || height < s.heights[n-1] {
			s.roots = append(s.roots, root)
			s.heights = append(s.heights, height)
			return nil
		}
		if height > s.heights[n-1] {
			return fmt.Errorf("subtree of height %d is taller than the smallest subtree (%d)", height, s.heights[n-1])
		}
		root = nodeHash(s.roots[n-1], root)
		height++
		s.roots = s.roots[:n-1]
		s.heights = s.heights[:n-1]
	}
}

func (s *proofStack) root() ([32]byte, bool) {
	n := len(s.roots)
	if n == 0 {
		return [32]byte{}, false
	}
	r := s.roots[n-1]
	for i := n - 2; i >= 0; i-- {
		r = nodeHash(s.roots[i], r)
	}
	return r, true
}

// nextSubtree returns the largest aligned subtree that starts at leaf start
// and stays before leaf end. A single leaf has height 1.
func nextSubtree(start, end uint64) (height int, size uint64) {
	height, size = 1, 1
	for start%(size*2) == 0 && size*2 <= end-start {
		height++
		size *= 2
	}
	return height, size
}

// verifySectorRange checks that data occupies [offset, offset+len(data)) of
// the sector whose Merkle root is root. proof lists the roots of the
// subtrees before and after the range, left to right.
func verifySectorRange(root [32]byte, data []byte, offset uint64, proof []byte) error {
	end := offset + uint64(len(data))
	switch {
	case len(data) == 0 || len(data)%segmentSize != 0:
		return errors.New("range is not a whole number of segments")
	case offset%segmentSize != 0 || end > sectorSize:
		return errors.New("range is outside the sector")
	case len(proof)%32 != 0:
		return errors.New("merkle proof has an invalid length")
	}

	var stack proofStack
	leaf := uint64(0)
	consume := func(until uint64) error {
		for leaf < until {
			if len(proof) < 32 {
				return errors.New("merkle proof is too short")
			}
			height, size := nextSubtree(leaf, until)
			var sub [32]byte
			copy(sub[:], proof[:32])
			proof = proof[32:]
			if err := stack.push(sub, height); err != nil {
				return err
			}
			leaf += size
		}
		return nil
	}

	if err := consume(offset / segmentSize); err != nil {
		return err
	}
	for i := 0; i < len(data); i += segmentSize {
		if err := stack.push(leafHash(data[i:i+segmentSize]), 1); err != nil {
			return err
		}
		leaf++
	}
	if err := consume(sectorSize / segmentSize); err != nil {
		return err
	}
	if len(proof) != 0 {
		return errors.New("merkle proof has trailing data")
	}
	if got, ok := stack.root(); !ok || got != root {
		return errors.New("merkle proof does not match the link")
	}
	return nil
}

// baseSectorFile extracts the file from the verified start of a base
// sector: a 99-byte layout, the fanout, the metadata and then the file. The
// layout carries the file, metadata and fanout sizes as u64le at bytes 1, 9
// and 17.
func baseSectorFile(data []byte) ([]byte, error) {
	if len(data) < layoutSize {
		return nil, errors.New("range is too short to hold a layout")
	}
	fileSize := binary.LittleEndian.Uint64(data[1:9])
	mdSize := binary.LittleEndian.Uint64(data[9:17])
	fanoutSize := binary.LittleEndian.Uint64(data[17:25])
	if fanoutSize != 0 {
		return nil, errors.New("files that span several sectors are not supported")
	}

	avail := uint64(len(data) - layoutSize)
	if mdSize > avail || fileSize > avail-mdSize {
		return nil, errors.New("range is too short to hold the whole file")
	}
	start := layoutSize + mdSize
	return data[start : start+fileSize], nil
}

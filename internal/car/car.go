// Package car decodes the block container carried in repository commit
// frames: a length-prefixed header followed by length-prefixed blocks, each
// block being a content address followed by its payload.
package car

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// ErrMalformed is returned for any container that cannot be decoded. The
// container comes straight off the network, so every length is checked
// against the bytes actually remaining.
var ErrMalformed = errors.New("malformed container")

// Block is one (content address, payload) pair from a container. Both
// slices alias the container passed to Parse.
type Block struct {
	// CID holds the raw binary content address.
	CID []byte

	// Data is the encoded record that follows the address.
	Data []byte
}

// ReadUvarint decodes one unsigned variable-length integer (7 bits per
// byte, high bit set on every byte but the last, least significant group
// first) from the start of buf and reports how many bytes it used.
func ReadUvarint(buf []byte) (uint64, int, error) {
	v, n, err := varint.FromUvarint(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: varint: %v", ErrMalformed, err)
	}
	return v, n, nil
}

// PutUvarint encodes v as an unsigned variable-length integer.
func PutUvarint(v uint64) []byte {
	return varint.ToUvarint(v)
}

// Parse splits a container into its blocks in container order. The header
// is skipped without being decoded.
func Parse(container []byte) ([]Block, error) {
	headerLen, n, err := ReadUvarint(container)
	if err != nil {
		return nil, fmt.Errorf("header length: %w", err)
	}
	rest := container[n:]
	if headerLen > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: header length %d exceeds %d remaining bytes", ErrMalformed, headerLen, len(rest))
	}
	rest = rest[headerLen:]

	var blocks []Block
	for len(rest) > 0 {
		blockLen, n, err := ReadUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("block %d length: %w", len(blocks), err)
		}
		rest = rest[n:]
		if blockLen > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: block %d length %d exceeds %d remaining bytes", ErrMalformed, len(blocks), blockLen, len(rest))
		}
		raw := rest[:blockLen:blockLen]
		rest = rest[blockLen:]

		addrLen, err := addressLength(raw)
		if err != nil {
			return nil, fmt.Errorf("block %d address: %w", len(blocks), err)
		}
		blocks = append(blocks, Block{
			CID:  raw[:addrLen:addrLen],
			Data: raw[addrLen:],
		})
	}
	return blocks, nil
}

// addressLength returns the byte length of the content address at the start
// of block. A version 1 address is four varints (version, codec, hash
// function, digest length) followed by the digest.
func addressLength(block []byte) (int, error) {
	// Version 0 addresses are bare sha2-256 multihashes.
	if len(block) >= 2 && block[0] == 0x12 && block[1] == 0x20 {
		if len(block) < 34 {
			return 0, fmt.Errorf("%w: truncated v0 address", ErrMalformed)
		}
		return 34, nil
	}

	off := 0
	var digestLen uint64
	for i := 0; i < 4; i++ {
		v, n, err := ReadUvarint(block[off:])
		if err != nil {
			return 0, err
		}
		off += n
		digestLen = v
	}
	if digestLen > uint64(len(block)-off) {
		return 0, fmt.Errorf("%w: digest length %d exceeds %d remaining bytes", ErrMalformed, digestLen, len(block)-off)
	}
	return off + int(digestLen), nil
}

package firehose

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

const (
	// frameOpMessage and frameOpError are the header op values defined by
	// the event stream framing.
	frameOpMessage = 1
	frameOpError   = -1

	commitMessageType = "#commit"

	// linkTag is the CBOR tag carrying a content address inside a record.
	linkTag = 42
)

// ErrStreamError is returned when the relay sends an error frame.
var ErrStreamError = errors.New("stream error frame")

// frameHeader is the first of the two CBOR values in every frame.
type frameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t"`
}

type errorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

// Commit is the body of a #commit frame.
type Commit struct {
	Seq    int64    `cbor:"seq"`
	Repo   string   `cbor:"repo"`
	Rev    string   `cbor:"rev"`
	Time   string   `cbor:"time"`
	TooBig bool     `cbor:"tooBig"`
	Ops    []RepoOp `cbor:"ops"`
	Blocks []byte   `cbor:"blocks"`
}

// RepoOp is a single record mutation within a commit.
type RepoOp struct {
	// Action is one of "create", "update" or "delete".
	Action string `cbor:"action"`

	// Path is "<collection>/<rkey>".
	Path string `cbor:"path"`

	// CID is the new record's address; nil for deletes.
	CID *Link `cbor:"cid"`
}

// Link is a content address as it appears inside CBOR: tag 42 wrapping a
// byte string whose first byte is the multibase identity prefix.
type Link []byte

// Bytes returns the binary content address without the leading framing byte.
func (l Link) Bytes() []byte {
	if len(l) == 0 {
		return nil
	}
	return l[1:]
}

// String renders the address in its canonical text form, falling back to hex
// for addresses that do not parse.
func (l Link) String() string {
	c, err := cid.Cast(l.Bytes())
	if err != nil {
		return hex.EncodeToString(l.Bytes())
	}
	return c.String()
}

// UnmarshalCBOR decodes a tag-42 link.
func (l *Link) UnmarshalCBOR(data []byte) error {
	if len(data) == 1 && data[0] == 0xf6 {
		*l = nil
		return nil
	}

	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("decode link: %w", err)
	}
	if tag.Number != linkTag {
		return fmt.Errorf("decode link: unexpected tag %d", tag.Number)
	}

	var raw []byte
	if err := cbor.Unmarshal(tag.Content, &raw); err != nil {
		return fmt.Errorf("decode link content: %w", err)
	}
	if len(raw) < 2 || raw[0] != 0x00 {
		return fmt.Errorf("decode link: missing identity prefix")
	}
	*l = raw
	return nil
}

// MarshalCBOR encodes the link as tag 42.
func (l Link) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(cbor.Tag{Number: linkTag, Content: []byte(l)})
}

// NewLink builds a Link from a binary content address.
func NewLink(addr []byte) Link {
	return append(Link{0x00}, addr...)
}

// DecodeFrame decodes one binary websocket message. It returns (nil, nil)
// for well-formed frames that are not commits; callers skip those.
func DecodeFrame(msg []byte) (*Commit, error) {
	dec := cbor.NewDecoder(bytes.NewReader(msg))

	var header frameHeader
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	if header.Op == frameOpError {
		var body errorBody
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("%w: undecodable body: %v", ErrStreamError, err)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrStreamError, body.Error, body.Message)
	}

	if header.Op != frameOpMessage || header.Type != commitMessageType {
		return nil, nil
	}

	var commit Commit
	if err := dec.Decode(&commit); err != nil {
		return nil, fmt.Errorf("decode commit body: %w", err)
	}
	return &commit, nil
}

package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/bamsammich/backtrack/internal/meta"
)

// ProtocolVersion is bumped on any incompatible wire change.
const ProtocolVersion = 1

// Message types. Every request carries a fresh stream ID and the server
// answers on the same ID with the paired response or msgError.
const (
	msgHello byte = iota + 1
	msgHelloResp
	msgList
	msgListResp
	msgListNext
	msgRecords
	msgOpen
	msgOpenResp
	msgRead
	msgData
	msgCloseFile
	msgCloseList
	msgAck
	msgError
)

type helloReq struct {
	Version int `cbor:"1,keyasint"`
}

type helloResp struct {
	Version int          `cbor:"1,keyasint"`
	Root    string       `cbor:"2,keyasint"`
	Caps    Capabilities `cbor:"3,keyasint"`
}

type listReq struct {
	SkipRoot []string `cbor:"1,keyasint,omitempty"`
	Xattrs   bool     `cbor:"2,keyasint,omitempty"`
	Names    bool     `cbor:"3,keyasint,omitempty"`
}

type handleMsg struct {
	Handle uint32 `cbor:"1,keyasint"`
}

type listNextReq struct {
	Handle uint32 `cbor:"1,keyasint"`
	Max    int    `cbor:"2,keyasint"`
}

type recordBatch struct {
	Records []*meta.Record `cbor:"1,keyasint,omitempty"`
	// Skipped carries per-path scan failures since the previous batch.
	Skipped []skipped `cbor:"2,keyasint,omitempty"`
	Done    bool      `cbor:"3,keyasint,omitempty"`
}

type skipped struct {
	Index   meta.Index `cbor:"1,keyasint"`
	Message string     `cbor:"2,keyasint"`
}

type openReq struct {
	Index meta.Index `cbor:"1,keyasint"`
}

type readReq struct {
	Handle uint32 `cbor:"1,keyasint"`
	Size   int    `cbor:"2,keyasint"`
}

type dataResp struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
	EOF  bool   `cbor:"2,keyasint,omitempty"`
}

type errorResp struct {
	Message  string `cbor:"1,keyasint"`
	NotExist bool   `cbor:"2,keyasint,omitempty"`
}

// RemoteError is an error reported by the serving side.
type RemoteError struct {
	Message  string
	notExist bool
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

func (e *RemoteError) Is(target error) bool {
	return e.notExist && target == fs.ErrNotExist
}

func toErrorResp(err error) errorResp {
	return errorResp{Message: err.Error(), NotExist: errors.Is(err, fs.ErrNotExist)}
}

func encode(v any) ([]byte, error) {
	b, err := meta.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := meta.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// validIndex rejects indices that could escape the served root.
func validIndex(idx meta.Index) bool {
	for _, c := range idx {
		if c == "" || c == "." || c == ".." || strings.ContainsAny(c, "/\x00") {
			return false
		}
	}
	return true
}

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"p2pshare/internal/domain"
)

// Op names a tracker operation.
type Op string

const (
	OpRegister       Op = "REGISTER"
	OpShare          Op = "SHARE"
	OpUnshare        Op = "UNSHARE"
	OpRefresh        Op = "REFRESH"
	OpQuery          Op = "QUERY"
	OpGetPeers       Op = "GET_PEERS"
	OpGetSharedPeers Op = "GET_SHARED_PEERS"
	OpGetKnownPeers  Op = "GET_KNOWN_PEERS"
)

// Status is the outcome carried in a tracker response.
type Status string

const (
	StatusRegistered  Status = "REGISTERED"
	StatusSharedList  Status = "SHARED_LIST"
	StatusSuccess     Status = "SUCCESS"
	StatusRefreshed   Status = "REFRESHED"
	StatusQueryResult Status = "QUERY_RESULT"
	StatusPeers       Status = "PEERS"
	StatusSharedPeers Status = "SHARED_PEERS"
	StatusKnownPeers  Status = "KNOWN_PEERS"
	StatusNotFound    Status = "NOT_FOUND"
	StatusError       Status = "ERROR"
)

// Request is the TRequest payload.
type Request struct {
	Op      Op                    `json:"op"`
	Peer    *domain.PeerInfo      `json:"peer,omitempty"`
	Public  []domain.FileInfo     `json:"public,omitempty"`
	Private []domain.PrivateShare `json:"private,omitempty"`
	File    *domain.FileInfo      `json:"file,omitempty"`
	Keyword string                `json:"keyword,omitempty"`
	Hash    string                `json:"hash,omitempty"`
}

// Response is the TResponse payload.
type Response struct {
	Status  Status            `json:"status"`
	Files   []domain.FileInfo `json:"files,omitempty"`
	Peers   []domain.PeerInfo `json:"peers,omitempty"`
	Message string            `json:"message,omitempty"`
}

// GetChunk is the TGetChunk payload.
type GetChunk struct {
	Hash  string `json:"hash"`
	Index int    `json:"index"`
}

// CertRequest is the TCertRequest payload; CSR is PEM encoded.
type CertRequest struct {
	Username string `json:"username"`
	CSR      string `json:"csr"`
}

// CertResponse carries the signed leaf and the CA, both PEM encoded.
type CertResponse struct {
	Cert string `json:"cert"`
	CA   string `json:"ca"`
}

// Error codes carried in TError frames.
const (
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "FILE_NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeInternal     = "INTERNAL"
)

// Sentinels matched by RemoteError through errors.Is.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("file not found")
)

// RemoteError is the TError payload. It is also returned as a Go error by
// readers that receive one.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrAccessDenied:
		return e.Code == CodeAccessDenied
	case ErrNotFound:
		return e.Code == CodeNotFound
	}
	return false
}

// WriteError sends a TError frame.
func WriteError(w io.Writer, code, msg string) error {
	return WriteJSON(w, TError, RemoteError{Code: code, Message: msg})
}

// ReadJSON reads one frame, expecting want, and decodes it into v. A TError
// frame is returned as *RemoteError.
func ReadJSON(r io.Reader, want byte, v any) error {
	t, pl, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if t == TError {
		return decodeRemoteError(pl)
	}
	if t != want {
		return fmt.Errorf("wire: expected frame %#x, got %#x", want, t)
	}
	if err := json.Unmarshal(pl, v); err != nil {
		return fmt.Errorf("wire: decode %#x: %w", t, err)
	}
	return nil
}

func decodeRemoteError(pl []byte) error {
	var re RemoteError
	if err := json.Unmarshal(pl, &re); err != nil {
		return &RemoteError{Code: CodeInternal, Message: string(pl)}
	}
	return &re
}

// ReadChunk reads a TChunk frame, or the TError sent instead of it.
func ReadChunk(r io.Reader) (Chunk, error) {
	t, pl, err := ReadFrame(r)
	if err != nil {
		return Chunk{}, err
	}
	switch t {
	case TChunk:
		return DecodeChunk(pl)
	case TError:
		return Chunk{}, decodeRemoteError(pl)
	}
	return Chunk{}, fmt.Errorf("wire: expected chunk, got %#x", t)
}

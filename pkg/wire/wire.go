package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	CmdInstallRequest  uint32 = 0x1001
	CmdInstallResponse uint32 = 0x1002
	CmdCleanupRequest  uint32 = 0x1003
)

// Field capacities in UTF-16 code units, terminator included.
const (
	FilePathCapacity    = 1024
	ProcessNameCapacity = 256
	UserNameCapacity    = 256
	ReasonCapacity      = 512
)

// MaxMessageSize bounds any single record on the channel.
const MaxMessageSize = 4096

var (
	ErrShortRecord     = errors.New("record shorter than its layout")
	ErrUnknownCommand  = errors.New("unknown command code")
	ErrCommandMismatch = errors.New("record command code mismatch")
)

// InstallRequest asks the authority to decide on one suspended operation.
type InstallRequest struct {
	RequestID   int64
	FilePath    string
	FileSize    int64
	ProcessID   uint32
	ProcessName string
	UserName    string
	Timestamp   time.Time
}

// InstallResponse is the authority's decision for a request id.
type InstallResponse struct {
	RequestID int64
	Allow     bool
	Reason    string
}

// CleanupNotice tells the authority that artifacts of a denied attempt at
// FilePath should be removed. No reply is expected.
type CleanupNotice struct {
	FilePath string
}

type installRequestRecord struct {
	Command     uint32
	Size        uint32
	RequestID   int64
	FilePath    [FilePathCapacity]uint16
	FileSize    int64
	ProcessID   uint32
	ProcessName [ProcessNameCapacity]uint16
	UserName    [UserNameCapacity]uint16
	Timestamp   int64
}

type installResponseRecord struct {
	Command   uint32
	RequestID int64
	Allow     bool
	Reason    [ReasonCapacity]uint16
}

type cleanupRecord struct {
	Command  uint32
	Size     uint32
	FilePath [FilePathCapacity]uint16
}

var (
	InstallRequestSize  = binary.Size(installRequestRecord{})
	InstallResponseSize = binary.Size(installResponseRecord{})
	CleanupNoticeSize   = binary.Size(cleanupRecord{})
)

// Command returns the leading command code of a raw record.
func Command(raw []byte) (uint32, error) {
	if len(raw) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(raw))
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func EncodeInstallRequest(req InstallRequest) ([]byte, error) {
	rec := installRequestRecord{
		Command:   CmdInstallRequest,
		Size:      uint32(InstallRequestSize),
		RequestID: req.RequestID,
		FileSize:  req.FileSize,
		ProcessID: req.ProcessID,
		Timestamp: ToFileTime(req.Timestamp),
	}
	putText(rec.FilePath[:], req.FilePath)
	putText(rec.ProcessName[:], req.ProcessName)
	putText(rec.UserName[:], req.UserName)
	return encode(rec, InstallRequestSize)
}

func DecodeInstallRequest(raw []byte) (InstallRequest, error) {
	var rec installRequestRecord
	if err := decode(raw, CmdInstallRequest, InstallRequestSize, &rec); err != nil {
		return InstallRequest{}, err
	}
	return InstallRequest{
		RequestID:   rec.RequestID,
		FilePath:    DecodeText(rec.FilePath[:]),
		FileSize:    rec.FileSize,
		ProcessID:   rec.ProcessID,
		ProcessName: DecodeText(rec.ProcessName[:]),
		UserName:    DecodeText(rec.UserName[:]),
		Timestamp:   FromFileTime(rec.Timestamp),
	}, nil
}

func EncodeInstallResponse(resp InstallResponse) ([]byte, error) {
	rec := installResponseRecord{
		Command:   CmdInstallResponse,
		RequestID: resp.RequestID,
		Allow:     resp.Allow,
	}
	putText(rec.Reason[:], resp.Reason)
	return encode(rec, InstallResponseSize)
}

// DecodeInstallResponse rejects payloads smaller than the response layout.
// Trailing bytes beyond the layout are ignored.
func DecodeInstallResponse(raw []byte) (InstallResponse, error) {
	var rec installResponseRecord
	if err := decode(raw, CmdInstallResponse, InstallResponseSize, &rec); err != nil {
		return InstallResponse{}, err
	}
	return InstallResponse{
		RequestID: rec.RequestID,
		Allow:     rec.Allow,
		Reason:    DecodeText(rec.Reason[:]),
	}, nil
}

func EncodeCleanupNotice(n CleanupNotice) ([]byte, error) {
	rec := cleanupRecord{
		Command: CmdCleanupRequest,
		Size:    uint32(CleanupNoticeSize),
	}
	putText(rec.FilePath[:], n.FilePath)
	return encode(rec, CleanupNoticeSize)
}

func DecodeCleanupNotice(raw []byte) (CleanupNotice, error) {
	var rec cleanupRecord
	if err := decode(raw, CmdCleanupRequest, CleanupNoticeSize, &rec); err != nil {
		return CleanupNotice{}, err
	}
	return CleanupNotice{FilePath: DecodeText(rec.FilePath[:])}, nil
}

func encode(rec any, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.LittleEndian, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, want uint32, size int, rec any) error {
	cmd, err := Command(raw)
	if err != nil {
		return err
	}
	if cmd != want {
		return fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrCommandMismatch, cmd, want)
	}
	if len(raw) < size {
		return fmt.Errorf("%w: %d bytes, need %d", ErrShortRecord, len(raw), size)
	}
	return binary.Read(bytes.NewReader(raw[:size]), binary.LittleEndian, rec)
}

// fileTimeEpochOffset is the number of 100ns ticks between 1601-01-01 and
// the Unix epoch.
const fileTimeEpochOffset = 116444736000000000

// ToFileTime converts t to 100ns ticks since 1601-01-01 UTC. The zero time
// maps to 0.
func ToFileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()/100 + fileTimeEpochOffset
}

func FromFileTime(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}
	return time.Unix(0, (ticks-fileTimeEpochOffset)*100).UTC()
}

package substrate

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// Outcome is the final status delivered to a suspended operation.
type Outcome int

const (
	Allow Outcome = iota
	Deny
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "ALLOW"
	case Deny:
		return "DENY"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Handle resumes a suspended operation. Complete must be called exactly once.
type Handle interface {
	Complete(Outcome)
}

type HandleFunc func(Outcome)

func (f HandleFunc) Complete(o Outcome) { f(o) }

// Operation is an intercepted file operation as reported by the substrate.
type Operation struct {
	Path        string   `json:"path"`
	Extension   string   `json:"extension,omitempty"`
	Access      []string `json:"access"`
	Kind        string   `json:"kind,omitempty"`
	Directory   bool     `json:"directory,omitempty"`
	Privileged  bool     `json:"privileged,omitempty"`
	ProcessID   uint32   `json:"process_id"`
	ProcessName string   `json:"process_name,omitempty"`
	UserName    string   `json:"user_name,omitempty"`
	FileSize    int64    `json:"file_size,omitempty"`
}

type Metadata struct {
	FileSize    int64
	ProcessName string
	UserName    string
}

// MetadataSource fills in request metadata. Failures are not errors: missing
// fields stay empty.
type MetadataSource interface {
	Metadata(ctx context.Context, op Operation) Metadata
}

// LocalMetadata reads metadata from the local host, preferring values the
// substrate already supplied.
type LocalMetadata struct {
	ProcRoot string
}

func (l LocalMetadata) Metadata(_ context.Context, op Operation) Metadata {
	md := Metadata{FileSize: op.FileSize, ProcessName: op.ProcessName, UserName: op.UserName}
	if md.FileSize == 0 && op.Path != "" {
		if st, err := os.Stat(op.Path); err == nil && !st.IsDir() {
			md.FileSize = st.Size()
		}
	}
	if op.ProcessID == 0 {
		return md
	}
	if md.ProcessName == "" {
		if b, err := os.ReadFile(l.procFile(op.ProcessID, "comm")); err == nil {
			md.ProcessName = strings.TrimSpace(string(b))
		}
	}
	if md.UserName == "" {
		md.UserName = l.owner(op.ProcessID)
	}
	return md
}

func (l LocalMetadata) procFile(pid uint32, name string) string {
	root := l.ProcRoot
	if root == "" {
		root = "/proc"
	}
	return filepath.Join(root, strconv.FormatUint(uint64(pid), 10), name)
}

// owner resolves the real uid of pid to a user name. Unknown owners stay
// empty.
func (l LocalMetadata) owner(pid uint32) string {
	b, err := os.ReadFile(l.procFile(pid, "status"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		rest, ok := strings.CutPrefix(line, "Uid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return ""
		}
		u, err := user.LookupId(fields[0])
		if err != nil {
			return ""
		}
		return u.Username
	}
	return ""
}

// Parked is a Handle for callers that block until the decision arrives.
type Parked struct {
	ch chan Outcome
}

func NewParked() *Parked {
	return &Parked{ch: make(chan Outcome, 1)}
}

func (p *Parked) Complete(o Outcome) {
	select {
	case p.ch <- o:
	default:
	}
}

// Wait returns the delivered outcome, or Timeout when ctx ends first. The
// registry still resolves the entry on its own schedule.
func (p *Parked) Wait(ctx context.Context) Outcome {
	select {
	case o := <-p.ch:
		return o
	case <-ctx.Done():
		return Timeout
	}
}

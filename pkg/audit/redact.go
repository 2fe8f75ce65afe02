package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// redactRecord hashes the user name and the directory part of the path. The
// file name and process name stay readable so denied installers can still
// be identified.
func redactRecord(rec Record, salt []byte) Record {
	if rec.UserName != "" {
		rec.UserName = "sha256:" + hashString(rec.UserName, salt)
	}
	rec.FilePath = redactPath(rec.FilePath, salt)
	return rec
}

func redactPath(p string, salt []byte) string {
	i := strings.LastIndexAny(p, `/\`)
	if i < 0 {
		return p
	}
	return "sha256:" + hashString(p[:i], salt)[:16] + string(p[i]) + p[i+1:]
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

package export

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/stake-plus/govsignal/src/store"
)

// Filename is stable for a record so a re-export overwrites the same file.
func Filename(rec *store.PollRecord, ext string) string {
	hash := md5.Sum([]byte(rec.ID))
	short := hex.EncodeToString(hash[:4])
	if pid, ok := rec.Proposal(); ok {
		return fmt.Sprintf("proposal-%d-%s.%s", pid, short, ext)
	}
	return fmt.Sprintf("poll-%s-%s.%s", rec.CreatedAt.UTC().Format("20060102"), short, ext)
}

// Path joins dir and Filename.
func Path(dir string, rec *store.PollRecord, ext string) string {
	return filepath.Join(dir, Filename(rec, ext))
}

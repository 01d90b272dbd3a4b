package fs

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// TempPrefix starts the name of every hidden file of an unfinished transfer.
	TempPrefix = ".syftsync-"
	TempSuffix = ".tmp"
)

// IsTempName reports whether name belongs to an unfinished transfer.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, TempPrefix) && strings.HasSuffix(name, TempSuffix)
}

// TempName returns a fresh hidden transfer name. tag makes leftovers traceable.
func TempName(tag string) string {
	return TempPrefix + tag + "-" + uuid.NewString() + TempSuffix
}

//go:build unix

package localfs

import (
	"os"
	"strconv"
	"syscall"
)

// fileID identifies a file by device and inode, so the id survives renames.
func fileID(rel string, fi os.FileInfo) string {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return strconv.FormatUint(uint64(st.Dev), 16) + ":" + strconv.FormatUint(uint64(st.Ino), 16)
	}
	return pathID(rel)
}

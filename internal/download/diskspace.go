package download

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// checkSpace verifies the sink partition can hold need more bytes. A statfs
// failure is not fatal; the transfer then finds out the hard way.
func checkSpace(sinkPath string, need int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(sinkPath), &st); err != nil {
		return nil
	}
	free := int64(st.Bavail) * st.Bsize
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrDiskSpace, need, free)
	}
	return nil
}

package backend

import (
	"fmt"
	"os"
	"syscall"
)

// checksumLocalFile hashes path with the named algorithm, streaming so
// large files never have to be buffered whole.
func checksumLocalFile(algorithm, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	defer f.Close()

	return streamChecksum(algorithm, f, path)
}

// spaceAvailable reports free and total bytes on the filesystem holding
// path. There is no cross-protocol library for this in the retrieved
// pack; every backend that can answer it at all does so through its own
// protocol verb, and the local backend falls back to the OS statfs call.
func spaceAvailable(path string) (SpaceAvailable, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return SpaceAvailable{}, fmt.Errorf("space available %s: %w", path, err)
	}
	return SpaceAvailable{
		Free:  int64(stat.Bfree) * int64(stat.Bsize), //nolint:gosec // filesystem sizes fit int64 in practice
		Total: int64(stat.Blocks) * int64(stat.Bsize),
	}, nil
}

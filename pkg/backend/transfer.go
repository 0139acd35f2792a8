package backend

import (
	"crypto/md5"  //nolint:gosec // see checksum.go
	"crypto/sha1" //nolint:gosec // see checksum.go
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

const copyBufferSize = 32 * 1024

// runTransferPool runs transferOne for every item in files, using up to
// concurrency worker goroutines pulled from a shared jobs channel — the
// same jobs-channel-plus-WaitGroup shape the sync engine's fixed-worker
// startup used to drive its copy workers. concurrency <= 1 (the default
// before SetTransferConcurrency is ever called) runs items in order on
// the calling goroutine with no extra goroutines spawned, so every
// backend's existing sequential behavior is the zero-value case.
func runTransferPool(files []TransferItem, concurrency int, sink ProgressSink, transferOne func(TransferItem) error) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency == 1 || len(files) <= 1 {
		for _, item := range files {
			if sink != nil && sink.Cancelled() {
				return nil
			}
			if err := transferOne(item); err != nil {
				return err
			}
		}
		return nil
	}

	workers := concurrency
	if workers > len(files) {
		workers = len(files)
	}

	jobs := make(chan TransferItem)
	var (
		wg       sync.WaitGroup
		failed   atomic.Bool
		firstErr error
		errMu    sync.Mutex
	)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if failed.Load() {
					continue
				}
				if sink != nil && sink.Cancelled() {
					continue
				}
				if err := transferOne(item); err != nil {
					if failed.CompareAndSwap(false, true) {
						errMu.Lock()
						firstErr = err
						errMu.Unlock()
					}
				}
			}
		}()
	}

	for _, item := range files {
		jobs <- item
	}
	close(jobs)
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}

// streamCopy copies src to dst in fixed-size chunks, reporting bytes
// transferred to sink and honoring cancellation between chunks.
func streamCopy(src io.Reader, dst io.Writer, sink ProgressSink) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("transfer: %w", writeErr)
			}
			if sink != nil {
				sink.AddTransferred(int64(n))
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("transfer: %w", readErr)
		}
		if sink != nil && sink.Cancelled() {
			return nil
		}
	}
}

// streamChecksum hashes r with the named algorithm, reusing the same
// algorithm set as the local backend's checksumLocalFile.
func streamChecksum(algorithm string, r io.Reader, label string) (string, error) {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case "md5":
		h = md5.New() //nolint:gosec
	case "sha1":
		h = sha1.New() //nolint:gosec
	case "sha256", "":
		h = sha256.New()
	default:
		return "", fmt.Errorf("checksum %s: unsupported algorithm %q", label, algorithm)
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum %s: %w", label, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

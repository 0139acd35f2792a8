//nolint:varnamelen // Test files use idiomatic short variable names (t, g, etc.)
package filesystem

import (
	"testing"
	"time"

	. "github.com/onsi/gomega" //nolint:revive // Dot import is idiomatic for Gomega matchers
)

func newTestSFTPFileSystem(t *testing.T, config *PoolConfig) *SFTPFileSystem {
	t.Helper()

	sshClient := dialTestSFTPHost(t)
	fs, err := NewSFTPFileSystem(&SFTPConnection{sshClient: sshClient}, config)
	if err != nil {
		t.Fatalf("creating filesystem should succeed: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })

	return fs
}

func TestSFTPFileSystem_ImplementsResizablePool(t *testing.T) {
	t.Parallel()

	var _ ResizablePool = (*SFTPFileSystem)(nil)
}

func TestSFTPFileSystem_PoolConfig_DefaultValues(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	fs := newTestSFTPFileSystem(t, nil)

	g.Expect(fs.PoolTargetSize()).Should(Equal(4))
	g.Expect(fs.PoolMinSize()).Should(Equal(1))
	g.Expect(fs.PoolMaxSize()).Should(Equal(16))
	g.Expect(fs.PoolSize()).Should(Equal(4))
}

func TestSFTPFileSystem_PoolConfig_CustomValues(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	fs := newTestSFTPFileSystem(t, &PoolConfig{InitialSize: 6, MinSize: 2, MaxSize: 12})

	g.Expect(fs.PoolTargetSize()).Should(Equal(6))
	g.Expect(fs.PoolMinSize()).Should(Equal(2))
	g.Expect(fs.PoolMaxSize()).Should(Equal(12))
	g.Expect(fs.PoolSize()).Should(Equal(6))
}

func TestSFTPFileSystem_PoolConfig_InvalidValues_ReturnsError(t *testing.T) {
	t.Parallel()

	sshClient := dialTestSFTPHost(t)
	conn := &SFTPConnection{sshClient: sshClient}

	testCases := []struct {
		name   string
		config *PoolConfig
	}{
		{"initial > max", &PoolConfig{InitialSize: 10, MinSize: 1, MaxSize: 5}},
		{"initial < min", &PoolConfig{InitialSize: 2, MinSize: 5, MaxSize: 10}},
		{"min = 0", &PoolConfig{InitialSize: 4, MinSize: 0, MaxSize: 10}},
		{"min < 0", &PoolConfig{InitialSize: 4, MinSize: -1, MaxSize: 10}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithT(t)
			fs, err := NewSFTPFileSystem(conn, tc.config)
			g.Expect(err).Should(HaveOccurred())
			g.Expect(fs).Should(BeNil())
		})
	}
}

func TestSFTPFileSystem_ResizePool_DelegatesToPool(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	fs := newTestSFTPFileSystem(t, nil)

	fs.ResizePool(8)
	g.Expect(fs.PoolTargetSize()).Should(Equal(8))
	g.Expect(fs.PoolSize()).Should(Equal(8), "scale-up is eager")

	fs.ResizePool(2)
	g.Expect(fs.PoolTargetSize()).Should(Equal(2))
}

func TestSFTPFileSystem_OpenCreate_RoundTripThroughPool(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	fs := newTestSFTPFileSystem(t, &PoolConfig{InitialSize: 1, MinSize: 1, MaxSize: 2})

	wf, err := fs.Create("/greeting.txt")
	g.Expect(err).Should(BeNil())
	_, err = wf.Write([]byte("hello"))
	g.Expect(err).Should(BeNil())
	g.Expect(wf.Close()).Should(BeNil())

	rf, err := fs.Open("/greeting.txt")
	g.Expect(err).Should(BeNil())
	defer rf.Close()

	buf := make([]byte, 5)
	n, err := rf.Read(buf)
	g.Expect(err).Should(BeNil())
	g.Expect(string(buf[:n])).Should(Equal("hello"))
}

func TestSFTPFileSystem_MkdirAllChtimesRemove(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	fs := newTestSFTPFileSystem(t, &PoolConfig{InitialSize: 1, MinSize: 1, MaxSize: 2})

	g.Expect(fs.MkdirAll("/nested/dir", 0o750)).Should(BeNil())

	wf, err := fs.Create("/nested/dir/file.txt")
	g.Expect(err).Should(BeNil())
	g.Expect(wf.Close()).Should(BeNil())

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	g.Expect(fs.Chtimes("/nested/dir/file.txt", mtime, mtime)).Should(BeNil())

	g.Expect(fs.Remove("/nested/dir/file.txt")).Should(BeNil())
}

func TestSFTPFileSystem_TypeAssertion_ToResizablePool(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	fs := newTestSFTPFileSystem(t, nil)

	resizable, ok := interface{}(fs).(ResizablePool)
	g.Expect(ok).Should(BeTrue())

	resizable.ResizePool(5)
	g.Expect(resizable.PoolTargetSize()).Should(Equal(5))
}

//nolint:varnamelen // Test files use idiomatic short variable names (t, etc.)
package filesystem

import (
	"net"
	"strconv"
	"testing"

	. "github.com/onsi/gomega" //nolint:revive // Dot import is idiomatic for Gomega matchers
)

func TestConnect_InvalidHost_ReturnsConnectionError(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	conn, err := Connect("192.0.2.1", 22, "user") // TEST-NET-1 address (RFC 5737)

	g.Expect(conn).Should(BeNil())
	g.Expect(err).Should(HaveOccurred())
	g.Expect(err.Error()).Should(ContainSubstring("SSH connection failed"))
}

func TestConnect_NoAuthMethodsAvailable_ReturnsError(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())

	conn, err := Connect("192.0.2.1", 22, "user")

	g.Expect(conn).Should(BeNil())
	g.Expect(err).Should(HaveOccurred())
	g.Expect(err.Error()).Should(ContainSubstring("no SSH authentication methods available"))
}

func TestConnectWithPassword_EstablishesWorkingConnection(t *testing.T) {
	g := NewWithT(t)

	addr, _ := startTestSFTPServer(t)
	host, port := splitTestSFTPAddr(t, addr)

	conn, err := ConnectWithPassword(host, port, "testuser", "unused", "")
	g.Expect(err).Should(BeNil())
	t.Cleanup(func() { _ = conn.Close() })

	g.Expect(conn.SSHClient()).ShouldNot(BeNil())
	g.Expect(conn.Client()).ShouldNot(BeNil())

	_, err = conn.Client().Getwd()
	g.Expect(err).Should(BeNil(), "SFTP session should be usable over the established connection")
}

func TestConnectWithPassword_InvalidHost_ReturnsConnectionError(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	conn, err := ConnectWithPassword("192.0.2.1", 22, "user", "pass", "")

	g.Expect(conn).Should(BeNil())
	g.Expect(err).Should(HaveOccurred())
	g.Expect(err.Error()).Should(ContainSubstring("SSH connection failed"))
}

func TestSFTPConnection_Close_IsSafeOnZeroValue(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	conn := &SFTPConnection{}
	g.Expect(conn.Close()).Should(BeNil())
}

// splitTestSFTPAddr splits an "addr" as returned by startTestSFTPServer
// (host:port) into the discrete host/port pair Connect's signature needs.
func splitTestSFTPAddr(t *testing.T, addr string) (host string, port int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}

	port, err = strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	return host, port
}

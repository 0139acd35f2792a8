package filesystem

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// startTestSFTPServer brings up an in-process SSH server on 127.0.0.1 that
// answers the "sftp" subsystem request with an in-memory filesystem, the
// same pkg/sftp.InMemHandler the library's own request-server tests dial
// against. It returns the listener address and a client config that trusts
// the server's generated host key, so a test can dial a real *ssh.Client
// and hand it to NewSFTPClientPoolWithLimits without touching the network
// or a real sshd.
func startTestSFTPServer(t *testing.T) (addr string, clientConfig *ssh.ClientConfig) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("signer from host key: %v", err)
	}

	serverConfig := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go acceptTestSFTPConnections(t, listener, serverConfig)

	return listener.Addr().String(), &ssh.ClientConfig{
		User:            "testuser",
		Auth:            []ssh.AuthMethod{ssh.Password("unused")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test server, host identity isn't the thing under test
	}
}

func acceptTestSFTPConnections(t *testing.T, listener net.Listener, config *ssh.ServerConfig) {
	t.Helper()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go serveTestSFTPConnection(t, conn, config)
	}
}

func serveTestSFTPConnection(t *testing.T, conn net.Conn, config *ssh.ServerConfig) {
	t.Helper()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveTestSFTPChannel(channel, requests)
	}
}

func serveTestSFTPChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		isSubsystem := req.Type == "subsystem" && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			_ = req.Reply(isSubsystem, nil)
		}
		if !isSubsystem {
			continue
		}

		server := sftp.NewRequestServer(channel, sftp.InMemHandler())
		_ = server.Serve()
		_ = server.Close()
		return
	}
}

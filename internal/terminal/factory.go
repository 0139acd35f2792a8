package terminal

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/pkg/backend"
)

// DefaultBackendFactory dispatches a SessionDescriptor's Protocol to the
// matching pkg/backend constructor. This is the single point the core
// type-switches on a protocol selector; everything past construction
// goes through Backend and Capabilities (§4.1 step 4).
func DefaultBackendFactory(d config.SessionDescriptor) (backend.Backend, error) {
	switch d.Protocol {
	case config.ProtocolSFTP, config.ProtocolSCP:
		return backend.NewSFTPBackend(d.HostName, sftpPort(d), d.UserName, d.Password, d.KeyFile), nil

	case config.ProtocolFTP:
		return backend.NewFTPBackend(ftpAddr(d), d.UserName, d.Password, backend.FTPPlain, d.FTPPassive), nil

	case config.ProtocolFTPS:
		return backend.NewFTPBackend(ftpAddr(d), d.UserName, d.Password, backend.FTPExplicitTLS, d.FTPPassive), nil

	case config.ProtocolWebDAV:
		return backend.NewWebDAVBackend(webdavBaseURL(d, false), d.UserName, d.Password, nil)

	case config.ProtocolWebDAVS:
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12} //nolint:gosec // server cert validation is a host (C9) callback, §6.3
		if d.TLSMinVersion != 0 {
			tlsCfg.MinVersion = d.TLSMinVersion
		}
		if d.TLSMaxVersion != 0 {
			tlsCfg.MaxVersion = d.TLSMaxVersion
		}
		return backend.NewWebDAVBackend(webdavBaseURL(d, true), d.UserName, d.Password, tlsCfg)

	case config.ProtocolS3:
		bucket, _ := splitBucketAndPrefix(d.RemoteDirectory)
		return backend.NewS3Backend(backend.S3Config{
			Endpoint:  s3Endpoint(d),
			Bucket:    bucket,
			AccessKey: d.UserName,
			SecretKey: d.Password,
			UseSSL:    true,
		})

	case config.ProtocolShell:
		return backend.NewShellBackend(d.HostName, d.PortNumber, d.UserName, d.Password, d.KeyFile), nil

	default:
		return nil, fmt.Errorf("unsupported protocol %s", d.Protocol)
	}
}

func sftpPort(d config.SessionDescriptor) int {
	if d.PortNumber != 0 {
		return d.PortNumber
	}
	return 22
}

func ftpAddr(d config.SessionDescriptor) string {
	port := d.PortNumber
	if port == 0 {
		port = 21
	}
	return fmt.Sprintf("%s:%d", d.HostName, port)
}

func webdavBaseURL(d config.SessionDescriptor, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	port := d.PortNumber
	hostport := d.HostName
	if port != 0 {
		hostport = fmt.Sprintf("%s:%d", d.HostName, port)
	}
	return fmt.Sprintf("%s://%s%s", scheme, hostport, d.RemoteDirectory)
}

// s3Endpoint interprets HostName as a custom S3-compatible endpoint
// (e.g. a MinIO instance); empty HostName means "use AWS's default
// regional endpoint", handled by NewS3Backend leaving Endpoint unset.
func s3Endpoint(d config.SessionDescriptor) string {
	if d.HostName == "" {
		return ""
	}
	scheme := "https"
	host := d.HostName
	if port := d.PortNumber; port != 0 {
		host = fmt.Sprintf("%s:%d", d.HostName, port)
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// splitBucketAndPrefix pulls the bucket name out of RemoteDirectory's
// first path segment ("/my-bucket/some/prefix" -> "my-bucket",
// "/some/prefix").
func splitBucketAndPrefix(remoteDirectory string) (bucket, prefix string) {
	trimmed := strings.TrimPrefix(remoteDirectory, "/")
	if trimmed == "" {
		return "", "/"
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = "/" + parts[1]
	} else {
		prefix = "/"
	}
	return bucket, prefix
}

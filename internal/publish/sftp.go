// Package publish delivers result archives to a remote SFTP location.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 15 * time.Second

// SFTPOptions describes the target server.
type SFTPOptions struct {
	Addr           string
	User           string
	Password       string
	KeyPath        string
	KnownHostsPath string
	RemoteDir      string
	// Insecure skips host key verification.
	Insecure bool
	Timeout  time.Duration
}

// SFTP uploads files over SFTP.
type SFTP struct {
	opts   SFTPOptions
	config *ssh.ClientConfig
	logger *slog.Logger
}

// NewSFTP prepares an SFTP publisher. Host keys are verified against
// KnownHostsPath unless Insecure is set.
func NewSFTP(opts SFTPOptions, logger *slog.Logger) (*SFTP, error) {
	if opts.Addr == "" || opts.User == "" {
		return nil, errors.New("sftp: addr and user are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultDialTimeout
	}

	var auth []ssh.AuthMethod
	if opts.KeyPath != "" {
		keyData, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("sftp: read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("sftp: parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: password or key is required")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case opts.KnownHostsPath != "":
		callback, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("sftp: load known hosts: %w", err)
		}
		hostKeyCallback = callback
	case opts.Insecure:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("sftp: known hosts file is required unless sftp_insecure is set")
	}

	return &SFTP{
		opts: opts,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.Timeout,
		},
		logger: logger,
	}, nil
}

// Publish uploads the local files into the remote directory over a single
// connection and returns their remote paths.
func (p *SFTP) Publish(ctx context.Context, localPaths ...string) ([]string, error) {
	dialer := net.Dialer{Timeout: p.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("sftp: dial %s: %w", p.opts.Addr, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, p.opts.Addr, p.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp: handshake: %w", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp: start subsystem: %w", err)
	}
	defer client.Close()

	remoteDir := p.opts.RemoteDir
	if remoteDir == "" {
		remoteDir = "."
	}
	if err := client.MkdirAll(remoteDir); err != nil {
		return nil, fmt.Errorf("sftp: mkdir %s: %w", remoteDir, err)
	}

	remotePaths := make([]string, 0, len(localPaths))
	for _, localPath := range localPaths {
		remotePath, err := p.put(client, remoteDir, localPath)
		if err != nil {
			return remotePaths, err
		}
		remotePaths = append(remotePaths, remotePath)
	}
	return remotePaths, nil
}

func (p *SFTP) put(client *sftp.Client, remoteDir, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("sftp: open %s: %w", localPath, err)
	}
	defer src.Close()

	remotePath := path.Join(remoteDir, filepath.Base(localPath))
	dst, err := client.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("sftp: create %s: %w", remotePath, err)
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("sftp: write %s: %w", remotePath, err)
	}

	p.logger.Info("result published", "addr", p.opts.Addr, "path", remotePath, "bytes", n)
	return remotePath, nil
}

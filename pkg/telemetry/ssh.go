package telemetry

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"
)

// SSHClient is a management-shell connection to the storage enclosure,
// used to run read-only diagnostic commands alongside the SNMP poll.
type SSHClient struct {
	address         string
	port            int
	user            string
	privateKey      []byte
	timeout         time.Duration
	hostKeyCallback ssh.HostKeyCallback
	client          *ssh.Client
}

// NewSSHClient validates config and returns a disconnected client.
func NewSSHClient(cfg SSHConfig) (*SSHClient, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &SSHClient{
		address:    cfg.Address,
		port:       cfg.Port,
		user:       cfg.User,
		privateKey: cfg.PrivateKey,
		timeout:    cfg.Timeout,
	}, nil
}

// GetAddress returns the enclosure's management address.
func (c *SSHClient) GetAddress() string { return c.address }

// Connect establishes the SSH session used for diagnostic commands.
func (c *SSHClient) Connect() error {
	klog.V(4).Infof("telemetry: connecting to enclosure %s:%d as %s", c.address, c.port, c.user)

	hostKeyCallback := c.hostKeyCallback
	if hostKeyCallback == nil {
		klog.Warning("telemetry: no host key callback configured, skipping host key verification")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.user,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.timeout,
	}

	if len(c.privateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.privateKey)
		if err != nil {
			return fmt.Errorf("parsing private key: %w", err)
		}
		sshConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}

	addr := fmt.Sprintf("%s:%d", c.address, c.port)
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c.client = client
	return nil
}

// Close closes the SSH connection.
func (c *SSHClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsConnected probes the connection by opening and closing a session.
func (c *SSHClient) IsConnected() bool {
	if c.client == nil {
		return false
	}
	session, err := c.client.NewSession()
	if err != nil {
		return false
	}
	session.Close()
	return true
}

// RunCommand runs a single read-only diagnostic command and returns stdout.
func (c *SSHClient) RunCommand(command string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("not connected to enclosure")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("creating ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.String(), fmt.Errorf("command failed (exit %d): %s", exitErr.ExitStatus(), stderr.String())
		}
		return "", fmt.Errorf("running command: %w", err)
	}

	return stdout.String(), nil
}

// isRetryableError reports whether a failed poll is worth retrying rather
// than treated as a permanent sensor-read failure.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	if err == io.EOF {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"no such sensor", "permission denied", "authentication failed"} {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	return true
}

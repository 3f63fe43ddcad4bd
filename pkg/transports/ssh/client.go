package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient manages one SSH connection to the application host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a client. No connection is made until Connect.
func NewSSHClient(config *Config, logger *zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &SSHClient{config: config}
	if logger != nil {
		c.logger = logger.With().Str("component", "ssh").Str("host", config.Host).Logger()
	} else {
		c.logger = log.Logger.With().Str("component", "ssh").Str("host", config.Host).Logger()
	}
	return c, nil
}

// Connect establishes the connection. An existing live connection is kept;
// a dead one is closed and replaced.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	client, err := handshake(ctx, conn, address, clientConfig)
	if err != nil {
		return err
	}

	c.client = client
	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: fmt.Errorf("failed to build proxy config: %w", err), IsAuthError: true}
	}

	c.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	rawProxy, err := dialer.DialContext(ctx, "tcp", proxyConfig.Address())
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	proxyClient, err := handshake(ctx, rawProxy, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return err
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	client, err := handshake(ctx, proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyClient.Close()
		return err
	}

	c.client = client
	c.proxy = proxyClient
	c.logger.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// handshake runs the SSH handshake on conn, aborting when ctx ends.
func handshake(ctx context.Context, conn net.Conn, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		ncc, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(ncc, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			_ = conn.Close()
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		return r.client, nil
	}
}

// Disconnect closes the connection and any jump host connection.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// IsConnected returns true if the client holds a connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "healthcheck", Err: err}
	}
	return c.ping()
}

// ping runs a trivial command. The caller holds connMu.
func (c *SSHClient) ping() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.config.IsProxyEnabled(),
	}
}

// newSession opens a session on the current connection.
func (c *SSHClient) newSession() (*ssh.Session, error) {
	c.connMu.RLock()
	client := c.client
	c.connMu.RUnlock()

	if client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	c.touch()
	return session, nil
}

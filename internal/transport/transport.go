// Package transport 实现了面向流的TCP连接与TLS升级
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/resolver"
)

// Conn 是一条可升级到TLS的字节流连接
type Conn struct {
	conn        net.Conn
	connID      string
	sendTimeout time.Duration
	tlsEnabled  bool
}

var ErrNoCandidates = errors.New("no connection candidates")

// NewConn 把已建立的net.Conn包装为流连接
func NewConn(conn net.Conn, sendTimeout time.Duration) *Conn {
	return &Conn{
		conn:        conn,
		connID:      conn.RemoteAddr().String(),
		sendTimeout: sendTimeout,
	}
}

// Dial 按顺序尝试候选地址，返回第一个成功建立的连接
func Dial(ctx context.Context, candidates []resolver.Candidate, localAddr string, connectTimeout, sendTimeout time.Duration) (*Conn, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	var lastErr error
	for _, cand := range candidates {
		network := "tcp4"
		if cand.IP.To4() == nil {
			network = "tcp6"
		}

		dialer := net.Dialer{Timeout: connectTimeout}
		if localAddr != "" && localAddr != "0.0.0.0" && localAddr != "[::]" {
			dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(localAddr)}
		}

		remote := net.JoinHostPort(cand.IP.String(), strconv.Itoa(cand.Port))
		conn, err := dialer.DialContext(ctx, network, remote)
		if err != nil {
			logger.DebugF("Fail to connect %s (%s), details: %v", remote, cand.Host, err)
			lastErr = err
			continue
		}
		logger.DebugF("Connected to %s (%s)", remote, cand.Host)
		return &Conn{
			conn:        conn,
			connID:      remote,
			sendTimeout: sendTimeout,
		}, nil
	}
	return nil, fmt.Errorf("all %d connection candidates failed: %w", len(candidates), lastErr)
}

// Send 带超时的完整写入，超时或失败时应终止会话
func (c *Conn) Send(data []byte) error {
	if c.sendTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	total := 0
	for total < len(data) {
		n, err := c.conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", c.connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to peer", c.connID, total)
	return nil
}

// StartTLS 在现有连接上完成客户端TLS握手
func (c *Conn) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		logger.ErrorF("[%s] TLS handshake failed, details: %v", c.connID, err)
		return err
	}
	c.conn = tlsConn
	c.tlsEnabled = true
	logger.DebugF("[%s] TLS enabled", c.connID)
	return nil
}

func (c *Conn) TLSEnabled() bool {
	return c.tlsEnabled
}

func (c *Conn) ID() string {
	return c.connID
}

// Reader 返回读端，供xmlstream解码器使用
func (c *Conn) Reader() io.Reader {
	return c.conn
}

func (c *Conn) Close() error {
	err := c.conn.Close()
	if err != nil && !IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
		return err
	}
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Peer close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading stream, details: %v", connID, err)
	}
}

// Package s2s 实现了到远端服务器的出站联邦会话
package s2s

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/resolver"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/transport"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/xmlstream"
)

// State 是出站会话状态机的状态
type State int

const (
	StateOpenSocket State = iota
	StateWaitForStream
	StateWaitForValidation
	StateWaitForFeatures
	StateWaitForAuthResult
	StateWaitForStartTLSProceed
	StateReopenSocket
	StateWaitBeforeRetry
	StateStreamEstablished
	StateTerminated
)

var stateNames = map[State]string{
	StateOpenSocket:             "open_socket",
	StateWaitForStream:          "wait_for_stream",
	StateWaitForValidation:      "wait_for_validation",
	StateWaitForFeatures:        "wait_for_features",
	StateWaitForAuthResult:      "wait_for_auth_result",
	StateWaitForStartTLSProceed: "wait_for_starttls_proceed",
	StateReopenSocket:           "reopen_socket",
	StateWaitBeforeRetry:        "wait_before_retry",
	StateStreamEstablished:      "stream_established",
	StateTerminated:             "terminated",
}

func (s State) String() string {
	return stateNames[s]
}

// Role 区分普通出站会话与dialback校验子会话
type Role int

const (
	RoleNew Role = iota
	RoleVerify
)

// VerifyRequest 携带校验子会话需要回答的质询
type VerifyRequest struct {
	RequestID string // 发起校验的接入会话标识
	Key       string
	StreamID  string
}

// 邮箱消息
type sessionMsg interface{}

type msgSend struct{ el *stanza.Element }

type msgStreamEvent struct {
	gen int
	ev  xmlstream.Event
	err error
}

type msgStateTimeout struct{ seq int }

type msgIdleTimeout struct{ seq int }

type msgRetryExpired struct{ seq int }

type msgTerminate struct{ reason string }

type msgTerminateIfWaiting struct{}

// Session 是一条 (本地域, 远端域) 出站会话。所有状态只由
// run协程访问，外部通过邮箱投递事件
type Session struct {
	local  string
	remote string
	role   Role
	verify VerifyRequest

	registry *Registry
	cfg      Config
	clk      clock.Clock
	rnd      *rand.Rand

	mailbox chan sessionMsg
	done    chan struct{}

	conn     *transport.Conn
	reader   *xmlstream.Reader
	readGen  int
	resumeCh chan bool

	state        State
	stateSeq     int
	dialbackKey  string
	peerStreamID string

	useV10          bool
	tlsOffered      bool
	tlsRequired     bool
	tlsEnabled      bool
	authenticated   bool
	dialbackEnabled bool
	mayTryAuth      bool

	queue             []*stanza.Element
	retryDelay        time.Duration
	registered        bool
	token             uint64
	pendingCandidates []resolver.Candidate

	stateTimer *clock.Timer
	idleTimer  *clock.Timer

	// 可注入，便于在无网络环境下驱动状态机
	dial func() (*transport.Conn, error)
	out  func([]byte) error
}

func newSession(registry *Registry, local, remote string, role Role, verify VerifyRequest) *Session {
	s := &Session{
		local:      local,
		remote:     remote,
		role:       role,
		verify:     verify,
		registry:   registry,
		cfg:        registry.cfg,
		clk:        registry.clk,
		rnd:        rand.New(rand.NewSource(registry.clk.Now().UnixNano())),
		mailbox:    make(chan sessionMsg, registry.cfg.MaxQueue),
		done:       make(chan struct{}),
		state:      StateOpenSocket,
		useV10:     true,
		mayTryAuth: true,
	}
	s.dial = s.dialRemote
	s.out = s.sendBytes
	return s
}

// Deliver 投递一个待发节。会话终止后由邮箱排空逻辑反弹
func (s *Session) Deliver(el *stanza.Element) {
	select {
	case <-s.done:
		s.registry.Bounce(el, stanza.ErrRemoteServerNotFound)
		return
	default:
	}
	select {
	case s.mailbox <- msgSend{el: el}:
	case <-s.done:
		s.registry.Bounce(el, stanza.ErrRemoteServerNotFound)
	default:
		logger.WarnF("[%s -> %s] Session mailbox overflow, bouncing stanza", s.local, s.remote)
		s.registry.Bounce(el, stanza.ErrInternalServerError)
	}
}

// Terminate 外部请求终止会话
func (s *Session) Terminate(reason string) {
	select {
	case s.mailbox <- msgTerminate{reason: reason}:
	case <-s.done:
	}
}

// TerminateIfWaitingDelay 仅当会话处于退避状态时终止
func (s *Session) TerminateIfWaitingDelay() {
	select {
	case s.mailbox <- msgTerminateIfWaiting{}:
	case <-s.done:
	}
}

func (s *Session) Pair() (string, string) {
	return s.local, s.remote
}

// RetryDelay 返回当前退避延迟，为零表示尚未退避
func (s *Session) RetryDelay() time.Duration {
	return s.retryDelay
}

// Start 启动会话协程
func (s *Session) Start() {
	go s.run()
}

func (s *Session) run() {
	defer s.cleanup()

	s.enterOpenSocket()

	for s.state != StateTerminated {
		msg := <-s.mailbox
		s.handle(msg)
	}
}

func (s *Session) handle(msg sessionMsg) {
	switch m := msg.(type) {
	case msgSend:
		s.handleSend(m.el)
	case msgStreamEvent:
		if m.gen != s.readGen {
			return
		}
		s.handleStreamEvent(m.ev, m.err)
	case msgStateTimeout:
		if m.seq == s.stateSeq && s.state != StateStreamEstablished {
			logger.WarnF("[%s -> %s] Timeout in state %s", s.local, s.remote, s.state)
			s.terminate("state timeout")
		}
	case msgIdleTimeout:
		if m.seq == s.stateSeq && s.state == StateStreamEstablished {
			logger.InfoF("[%s -> %s] Idle watchdog expired", s.local, s.remote)
			s.terminate("idle timeout")
		}
	case msgRetryExpired:
		if m.seq == s.stateSeq && s.state == StateWaitBeforeRetry {
			s.terminate("retry delay elapsed")
		}
	case msgTerminate:
		s.terminate(m.reason)
	case msgTerminateIfWaiting:
		if s.state == StateWaitBeforeRetry {
			s.terminate("terminated while waiting before retry")
		}
	}
}

func (s *Session) handleSend(el *stanza.Element) {
	switch s.state {
	case StateStreamEstablished:
		if err := s.out([]byte(el.String())); err != nil {
			s.queue = append(s.queue, el)
			s.terminate("send failed")
			return
		}
		s.resetIdleWatchdog()
	case StateWaitBeforeRetry:
		s.registry.Bounce(el, stanza.ErrRemoteServerNotFound)
	default:
		s.queue = append(s.queue, el)
	}
}

// --- 状态进入动作 ---

func (s *Session) enterOpenSocket() {
	s.setState(StateOpenSocket)

	s.pendingCandidates = s.registry.res.Resolve(context.Background(), s.remote)
	if len(s.pendingCandidates) == 0 {
		logger.WarnF("[%s -> %s] Fail to resolve remote domain", s.local, s.remote)
		s.enterWaitBeforeRetry()
		return
	}

	conn, err := s.dial()
	if err != nil {
		logger.WarnF("[%s -> %s] Fail to connect, details: %v", s.local, s.remote, err)
		s.enterWaitBeforeRetry()
		return
	}
	s.conn = conn
	s.startReader()
	s.openStream()
}

func (s *Session) dialRemote() (*transport.Conn, error) {
	return transport.Dial(context.Background(), s.pendingCandidates, s.cfg.LocalAddress, s.cfg.ConnectTimeout, s.cfg.SendTimeout)
}

func (s *Session) openStream() {
	header := stanza.StreamHeader(s.local, s.remote, "", s.useV10)
	if err := s.out([]byte(`<?xml version="1.0"?>` + header)); err != nil {
		s.enterWaitBeforeRetry()
		return
	}
	s.setState(StateWaitForStream)
}

func (s *Session) enterReopenSocket() {
	s.setState(StateReopenSocket)
	s.stopReader()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.tlsEnabled = false
	s.authenticated = false
	s.enterOpenSocket()
}

func (s *Session) enterWaitBeforeRetry() {
	s.stopReader()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.bounceQueue()
	s.retryDelay = nextRetryDelay(s.retryDelay, s.cfg.MaxRetryDelay, s.rnd)
	s.setState(StateWaitBeforeRetry)
	logger.InfoF("[%s -> %s] Waiting %v before retry", s.local, s.remote, s.retryDelay)
	seq := s.stateSeq
	s.stateTimer = s.clk.AfterFunc(s.retryDelay, func() {
		select {
		case s.mailbox <- msgRetryExpired{seq: seq}:
		case <-s.done:
		}
	})
}

func (s *Session) enterEstablished() {
	s.setState(StateStreamEstablished)
	logger.InfoF("[%s -> %s] Stream established, flushing %d queued stanzas", s.local, s.remote, len(s.queue))
	queue := s.queue
	s.queue = nil
	for i, el := range queue {
		if err := s.out([]byte(el.String())); err != nil {
			s.queue = append(s.queue, queue[i:]...)
			s.terminate("send failed during flush")
			return
		}
	}
	s.resetIdleWatchdog()
}

// --- 定时器 ---

func (s *Session) setState(next State) {
	logger.DebugF("[%s -> %s] %s -> %s", s.local, s.remote, s.state, next)
	s.state = next
	s.stateSeq++
	if s.stateTimer != nil {
		s.stateTimer.Stop()
		s.stateTimer = nil
	}

	var interval time.Duration
	switch next {
	case StateStreamEstablished, StateWaitBeforeRetry, StateTerminated, StateOpenSocket, StateReopenSocket:
		return
	case StateWaitForValidation:
		interval = 6 * s.cfg.StateTimeout
	default:
		interval = s.cfg.StateTimeout
	}
	seq := s.stateSeq
	s.stateTimer = s.clk.AfterFunc(interval, func() {
		select {
		case s.mailbox <- msgStateTimeout{seq: seq}:
		case <-s.done:
		}
	})
}

func (s *Session) resetIdleWatchdog() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	seq := s.stateSeq
	s.idleTimer = s.clk.AfterFunc(s.cfg.IdleTimeout, func() {
		select {
		case s.mailbox <- msgIdleTimeout{seq: seq}:
		case <-s.done:
		}
	})
}

// --- 读取协程 ---

// startReader 启动新一代读取协程。协程每交付一个事件就停在
// 自己的resume通道上，等状态机消化完毕再继续读，这样升级TLS
// 或重置解析器时不会有字节被旧协程抢走
func (s *Session) startReader() {
	s.readGen++
	if s.reader == nil {
		s.reader = xmlstream.NewReader(s.conn.Reader())
	} else {
		s.reader.Reset(s.conn.Reader())
	}
	s.resumeCh = make(chan bool, 1)

	gen := s.readGen
	reader := s.reader
	resumeCh := s.resumeCh
	go func() {
		for {
			ev, err := reader.Next()
			select {
			case s.mailbox <- msgStreamEvent{gen: gen, ev: ev, err: err}:
			case <-s.done:
				return
			}
			if err != nil {
				return
			}
			resume, ok := <-resumeCh
			if !ok || !resume {
				return
			}
		}
	}()
}

// stopReader 令当前读取协程退出
func (s *Session) stopReader() {
	if s.resumeCh != nil {
		close(s.resumeCh)
		s.resumeCh = nil
	}
	s.readGen++
}

// resumeReader 在消化完一个事件后唤醒停住的读取协程
func (s *Session) resumeReader() {
	if s.resumeCh != nil {
		s.resumeCh <- true
	}
}

// --- 终止 ---

func (s *Session) terminate(reason string) {
	if s.state == StateTerminated {
		return
	}
	logger.InfoF("[%s -> %s] Session terminated: %s", s.local, s.remote, reason)
	s.bounceQueue()
	s.setState(StateTerminated)
}

func (s *Session) bounceQueue() {
	for _, el := range s.queue {
		s.registry.Bounce(el, stanza.ErrRemoteServerNotFound)
	}
	s.queue = nil
}

func (s *Session) cleanup() {
	s.stopReader()
	if s.stateTimer != nil {
		s.stateTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.registered {
		s.registry.RemoveConnection(s.local, s.remote, s, s.token)
	}
	close(s.done)

	// 排空剩余邮箱消息，待发节全部反弹
	for {
		select {
		case msg := <-s.mailbox:
			if m, ok := msg.(msgSend); ok {
				s.registry.Bounce(m.el, stanza.ErrRemoteServerNotFound)
			}
		default:
			return
		}
	}
}

// --- 发送助手 ---

func (s *Session) sendBytes(data []byte) error {
	if s.conn == nil {
		return io.ErrClosedPipe
	}
	return s.conn.Send(data)
}

func (s *Session) sendElement(el *stanza.Element) error {
	return s.out([]byte(el.String()))
}

func (s *Session) sendStreamError(condition string) {
	_ = s.out([]byte(stanza.StreamError(condition) + stanza.StreamClose()))
}

func (s *Session) sendSASLExternal() error {
	auth := stanza.NewNS("auth", stanza.NSSASL)
	auth.SetAttr("mechanism", "EXTERNAL")
	auth.SetText(base64.StdEncoding.EncodeToString([]byte(s.local)))
	return s.sendElement(auth)
}

func (s *Session) tlsConfig() *tls.Config {
	cfg := &tls.Config{
		ServerName:         s.remote,
		InsecureSkipVerify: true,
	}
	certFile := s.cfg.CertFile
	if file, ok := s.cfg.DomainCertFiles[s.local]; ok {
		certFile = file
	}
	if certFile != "" {
		if cert, err := tls.LoadX509KeyPair(certFile, certFile); err == nil {
			cfg.Certificates = []tls.Certificate{cert}
		} else {
			logger.WarnF("[%s -> %s] Fail to load certificate %s, details: %v", s.local, s.remote, certFile, err)
		}
	}
	return cfg
}

package s2s

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/resolver"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// Config 汇总出站会话需要的进程级配置
type Config struct {
	UseStartTLS     bool
	CertFile        string
	DomainCertFiles map[string]string
	LocalAddress    string
	ConnectTimeout  time.Duration
	SendTimeout     time.Duration
	StateTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxRetryDelay   time.Duration
	MaxQueue        int
}

func (c *Config) fillDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.StateTimeout == 0 {
		c.StateTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 600 * time.Second
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 300 * time.Second
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = 10000
	}
}

type pairKey struct {
	local  string
	remote string
}

type slot struct {
	session *Session
	key     string
	token   uint64
}

// AddressResolver 把远端域解析为候选地址列表
type AddressResolver interface {
	Resolve(ctx context.Context, domain string) []resolver.Candidate
}

// RouteFunc 将节交还给路由器投递（用于反弹错误回执）
type RouteFunc func(el *stanza.Element)

// VerifyResultFunc 把dialback校验结论回传给发起校验的接入会话
type VerifyResultFunc func(valid bool, local, remote, requestID string)

// Registry 维护 (本地域, 远端域) 到权威会话的映射。
// 校验子会话不进入映射
type Registry struct {
	mu        sync.Mutex
	slots     map[pairKey]*slot
	nextToken uint64

	cfg            Config
	res            AddressResolver
	clk            clock.Clock
	secret         []byte
	route          RouteFunc
	onVerifyResult VerifyResultFunc
}

func NewRegistry(cfg Config, res AddressResolver, clk clock.Clock, secret []byte, route RouteFunc) *Registry {
	cfg.fillDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		slots:  make(map[pairKey]*slot),
		cfg:    cfg,
		res:    res,
		clk:    clk,
		secret: secret,
		route:  route,
	}
}

// SetVerifyResultHandler 注册接入侧的校验结论回调
func (r *Registry) SetVerifyResultHandler(fn VerifyResultFunc) {
	r.onVerifyResult = fn
}

// Send 把节交给该对的权威会话，必要时新建会话
func (r *Registry) Send(local, remote string, el *stanza.Element) error {
	key := pairKey{local: local, remote: remote}

	r.mu.Lock()
	existing := r.slots[key]
	r.mu.Unlock()

	if existing != nil {
		existing.session.Deliver(el)
		return nil
	}

	sess := newSession(r, local, remote, RoleNew, VerifyRequest{})
	sess.Deliver(el)
	sess.Start()
	return nil
}

// TryRegister 由会话在进入协商时调用：原子地赢得槽位并取得
// 登记的dialback密钥，或者发现已有胜者而失败
func (r *Registry) TryRegister(local, remote string, s *Session) (string, uint64, bool) {
	key := pairKey{local: local, remote: remote}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.slots[key]; ok {
		if existing.session == s {
			return existing.key, existing.token, true
		}
		return "", 0, false
	}
	r.nextToken++
	sl := &slot{
		session: s,
		key:     GenerateDialbackKey(r.secret, local, remote, uuid.NewString()),
		token:   r.nextToken,
	}
	r.slots[key] = sl
	return sl.key, sl.token, true
}

// RemoveConnection 用token做比较清除，过期会话不会挤掉新会话
func (r *Registry) RemoveConnection(local, remote string, s *Session, token uint64) {
	key := pairKey{local: local, remote: remote}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.slots[key]; ok && existing.session == s && existing.token == token {
		delete(r.slots, key)
		logger.DebugF("[%s -> %s] Connection removed from registry", local, remote)
	}
}

// GetConnections 返回指定对的权威会话，不存在时返回nil
func (r *Registry) GetConnections(local, remote string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots[pairKey{local: local, remote: remote}]; ok {
		return sl.session
	}
	return nil
}

// AllConnections 返回全部权威会话快照
func (r *Registry) AllConnections() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.slots))
	for _, sl := range r.slots {
		sessions = append(sessions, sl.session)
	}
	return sessions
}

// TerminateIfWaitingDelay 终止退避中的会话，让下一个出站节
// 立即发起新的连接尝试
func (r *Registry) TerminateIfWaitingDelay(local, remote string) {
	if sess := r.GetConnections(local, remote); sess != nil {
		sess.TerminateIfWaitingDelay()
	}
}

// StartVerifier 为接入侧发来的dialback质询启动校验子会话
func (r *Registry) StartVerifier(local, remote, requestID, key, streamID string) *Session {
	sess := newSession(r, local, remote, RoleVerify, VerifyRequest{
		RequestID: requestID,
		Key:       key,
		StreamID:  streamID,
	})
	sess.Start()
	return sess
}

// Bounce 为不可投递的节合成错误回执并送回路由器。
// error与result类型的节静默丢弃
func (r *Registry) Bounce(el *stanza.Element, cond stanza.ErrorCondition) {
	if el == nil || stanza.IsErrorOrResult(el) {
		return
	}
	if r.route == nil {
		return
	}
	r.route(stanza.ErrorOf(el, cond))
}

// Package router 实现了节的本地/远端分发
package router

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// Router 把节投递到本地处理器或远端服务器
type Router interface {
	Route(el *stanza.Element)
}

// LocalHandler 消费目的域在本机的节（C2S层或内部组件）
type LocalHandler interface {
	HandleStanza(el *stanza.Element)
}

// LocalHandlerFunc 函数适配器
type LocalHandlerFunc func(el *stanza.Element)

func (f LocalHandlerFunc) HandleStanza(el *stanza.Element) {
	f(el)
}

// RemoteSender 把节交给出站会话管理器
type RemoteSender interface {
	Send(local, remote string, el *stanza.Element) error
}

// DefaultRouter 按目的域判定本地或远端
type DefaultRouter struct {
	mu           sync.RWMutex
	localDomains map[string]struct{}
	handlers     map[string]LocalHandler
	remote       RemoteSender
	fallback     LocalHandler
}

func New(localDomains []string, remote RemoteSender) *DefaultRouter {
	domains := make(map[string]struct{}, len(localDomains))
	for _, d := range localDomains {
		domains[d] = struct{}{}
	}
	return &DefaultRouter{
		localDomains: domains,
		handlers:     make(map[string]LocalHandler),
		remote:       remote,
	}
}

// RegisterDomain 把一个域标记为本地并挂接其处理器
func (r *DefaultRouter) RegisterDomain(domain string, handler LocalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localDomains[domain] = struct{}{}
	r.handlers[domain] = handler
}

// SetFallbackHandler 设置无专属处理器的本地域的兜底处理器
func (r *DefaultRouter) SetFallbackHandler(handler LocalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Route 根据to属性投递。无to或to无法解析时丢弃；目的域非本地时
// 走远端路径，远端路径需要能从from推导本地域
func (r *DefaultRouter) Route(el *stanza.Element) {
	to, err := jid.Parse(el.Attr("to"))
	if err != nil {
		logger.WarnF("Dropping stanza without routable destination: %s", el.Name)
		return
	}

	r.mu.RLock()
	_, isLocal := r.localDomains[to.Domain]
	handler := r.handlers[to.Domain]
	fallback := r.fallback
	r.mu.RUnlock()

	if isLocal {
		if handler != nil {
			handler.HandleStanza(el)
			return
		}
		if fallback != nil {
			fallback.HandleStanza(el)
			return
		}
		logger.DebugF("No local handler for domain %s, dropping %s stanza", to.Domain, el.Name)
		return
	}

	from, err := jid.Parse(el.Attr("from"))
	if err != nil {
		logger.WarnF("Dropping outbound stanza without origin: %s", el.Name)
		return
	}
	if r.remote == nil {
		logger.WarnF("No outbound path for domain %s, dropping %s stanza", to.Domain, el.Name)
		return
	}
	if err := r.remote.Send(from.Domain, to.Domain, el); err != nil {
		logger.ErrorF("Fail to hand stanza to outgoing session, details: %v", err)
	}
}

package pubsub

import (
	"context"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/presence"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// Manager 管理全部服务宿主：固定域名服务与按需建立的
// PEP服务（宿主为用户bare JID）
type Manager struct {
	mu       sync.Mutex
	services map[string]*Service
	sentLast map[string]struct{} // host|path|fullJID，保证每资源只推一次

	cfg       ServiceConfig
	store     Store
	route     func(el *stanza.Element)
	roster    RosterChecker
	presences *presence.Tracker
}

func NewManager(cfg ServiceConfig, store Store, route func(el *stanza.Element), roster RosterChecker, presences *presence.Tracker) *Manager {
	cfg.fillDefaults()
	if _, ok := store.(*CachedStore); !ok {
		store = NewCachedStore(store)
	}
	return &Manager{
		services:  make(map[string]*Service),
		sentLast:  make(map[string]struct{}),
		cfg:       cfg,
		store:     store,
		route:     route,
		roster:    roster,
		presences: presences,
	}
}

type presenceAdapter struct{ t *presence.Tracker }

func (a presenceAdapter) AvailableResources(bare jid.JID) map[string]presence.Show {
	return a.t.AvailableResources(bare)
}

func (a presenceAdapter) IsOnline(bare jid.JID) bool {
	return a.t.IsOnline(bare)
}

// Service 取宿主的服务实例，不存在时建立。含@的宿主按
// PEP服务处理
func (m *Manager) Service(host string) *Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[host]; ok {
		return svc
	}
	pep := strings.ContainsRune(host, '@')
	svc := NewService(host, pep, m.cfg, m.store, m.route, m.roster, presenceAdapter{t: m.presences})
	m.services[host] = svc
	logger.DebugF("PubSub service for host %s started (pep=%v)", host, pep)
	return svc
}

// Stop 停掉全部服务队列
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services {
		svc.Stop()
	}
}

func (m *Manager) allServices() []*Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	services := make([]*Service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	return services
}

// ContactAvailable 处理联系人资源上线：对宿主user的PEP节点
// 按send_last_published_item=on_sub_and_presence把最近条目
// 推给新上线资源，每资源恰好一次
func (m *Manager) ContactAvailable(user jid.JID, contact jid.JID, show presence.Show) {
	m.presences.SetPresence(contact, show)

	host := user.Bare().String()
	svc := m.Service(host)
	svc.Enqueue(func() {
		ctx := context.Background()
		nodes, err := m.store.FetchNodes(ctx, host)
		if err != nil {
			return
		}
		for _, node := range nodes {
			if node.Options.SendLastPublishedItem != SendLastOnSubPresence {
				continue
			}
			if _, aerr := svc.checkSubscribeAccess(ctx, node, contact); aerr != nil {
				continue
			}
			key := host + "|" + node.Path + "|" + contact.String()
			m.mu.Lock()
			_, sent := m.sentLast[key]
			if !sent {
				m.sentLast[key] = struct{}{}
			}
			m.mu.Unlock()
			if sent {
				continue
			}
			owner, _ := jid.Parse(host)
			svc.SendLastItems(ctx, node, contact.String(), nil, owner)
		}
	})
}

// ContactUnavailable 处理资源下线：清除每资源推送记录，
// 最后一个资源下线时执行purge_offline清理
func (m *Manager) ContactUnavailable(contact jid.JID) {
	last := m.presences.RemovePresence(contact)

	m.mu.Lock()
	suffix := "|" + contact.String()
	for key := range m.sentLast {
		if strings.HasSuffix(key, suffix) {
			delete(m.sentLast, key)
		}
	}
	m.mu.Unlock()

	if !last {
		return
	}
	bare := contact.Bare().String()
	for _, svc := range m.allServices() {
		svc := svc
		svc.Enqueue(func() {
			svc.PurgeOfflineItems(context.Background(), bare)
		})
	}
}

// PurgeOfflineItems 删除该用户在purge_offline节点上发布的
// 全部条目并广播撤回
func (s *Service) PurgeOfflineItems(ctx context.Context, publisherBare string) {
	nodes, err := s.store.FetchNodes(ctx, s.host)
	if err != nil {
		return
	}
	publisher, _ := jid.Parse(publisherBare)
	for _, node := range nodes {
		if !node.Options.PurgeOffline {
			continue
		}
		items, err := s.store.FetchItems(ctx, node.Idx)
		if err != nil {
			continue
		}
		for _, item := range items {
			if item.CreatedBy != publisherBare {
				continue
			}
			txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
				return s.store.DeleteItem(ctx, node.Idx, item.ID)
			})
			if txErr != nil {
				logger.ErrorF("[%s] Fail to purge offline item %s, details: %v", s.host, item.ID, txErr)
				continue
			}
			if s.lastItems != nil {
				if cached, ok := s.lastItems.Get(s.host, node.Path); ok && cached.ID == item.ID {
					s.lastItems.Remove(s.host, node.Path)
				}
			}
			if node.Options.NotifyRetract {
				s.broadcastRetractID(node, publisher, item.ID)
			}
		}
	}
}

// RemoveUser 用户删除时的级联：撤销其订阅与从属，独占
// owner的节点整树删除
func (m *Manager) RemoveUser(user jid.JID) {
	bare := user.Bare().String()
	ctx := context.Background()

	for _, svc := range m.allServices() {
		svc := svc
		svc.Enqueue(func() {
			nodes, err := m.store.FetchNodes(ctx, svc.host)
			if err != nil {
				return
			}
			for _, node := range nodes {
				if !containsString(node.Owners, bare) {
					continue
				}
				if len(node.Owners) == 1 {
					if res, derr := svc.DeleteNode(ctx, user, node.Path); derr == nil {
						svc.BroadcastDelete(res)
					}
					continue
				}
				node.Owners = removeString(node.Owners, bare)
				_ = svc.store.Transaction(ctx, func(ctx context.Context) error {
					return svc.store.UpsertNode(ctx, node)
				})
			}
			recs, err := m.store.FetchStatesByJID(ctx, bare)
			if err != nil {
				return
			}
			for _, rec := range recs {
				_ = svc.store.Transaction(ctx, func(ctx context.Context) error {
					return svc.store.DeleteState(ctx, rec.JID, rec.NodeIdx)
				})
			}
		})
	}

	// PEP宿主本身随用户一并销毁
	pepSvc := m.Service(bare)
	pepSvc.Enqueue(func() {
		nodes, err := m.store.FetchNodes(ctx, bare)
		if err != nil {
			return
		}
		for _, node := range nodes {
			if res, derr := pepSvc.DeleteNode(ctx, user, node.Path); derr == nil {
				pepSvc.BroadcastDelete(res)
			}
		}
	})
}

// Package presence 维护全JID到出席状态的映射
package presence

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
)

// Show 是资源的出席展示状态
type Show string

const (
	ShowOnline Show = "online"
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// ShowFromStanza 把presence节的show子元素文本映射为状态值
func ShowFromStanza(show string) Show {
	switch show {
	case "away":
		return ShowAway
	case "chat":
		return ShowChat
	case "dnd":
		return ShowDND
	case "xa":
		return ShowXA
	default:
		return ShowOnline
	}
}

// Tracker 记录在线资源。所有方法并发安全
type Tracker struct {
	mu        sync.RWMutex
	resources map[string]map[string]Show // bare JID -> resource -> show
}

func NewTracker() *Tracker {
	return &Tracker{resources: make(map[string]map[string]Show)}
}

// SetPresence 登记或更新一个资源的出席状态，
// 返回该bare JID是否是首次上线
func (t *Tracker) SetPresence(full jid.JID, show Show) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bare := full.Bare().String()
	set, ok := t.resources[bare]
	if !ok {
		set = make(map[string]Show)
		t.resources[bare] = set
	}
	first := len(set) == 0
	set[full.Resource] = show
	return first
}

// RemovePresence 注销资源，返回该bare JID是否因此完全离线
func (t *Tracker) RemovePresence(full jid.JID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bare := full.Bare().String()
	set, ok := t.resources[bare]
	if !ok {
		return false
	}
	delete(set, full.Resource)
	if len(set) == 0 {
		delete(t.resources, bare)
		return true
	}
	return false
}

// Get 返回指定资源的出席状态
func (t *Tracker) Get(full jid.JID) (Show, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.resources[full.Bare().String()]
	if !ok {
		return "", false
	}
	show, ok := set[full.Resource]
	return show, ok
}

// AvailableResources 返回bare JID所有在线资源及其状态
func (t *Tracker) AvailableResources(bare jid.JID) map[string]Show {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.resources[bare.Bare().String()]
	if !ok {
		return nil
	}
	result := make(map[string]Show, len(set))
	for resource, show := range set {
		result[resource] = show
	}
	return result
}

// IsOnline 判断bare JID是否有任一在线资源
func (t *Tracker) IsOnline(bare jid.JID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.resources[bare.Bare().String()]) > 0
}

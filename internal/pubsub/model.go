// Package pubsub 实现了发布订阅服务的节点树、控制器与广播
package pubsub

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// Affiliation 是实体在节点上的从属关系
type Affiliation string

const (
	AffiliationOwner     Affiliation = "owner"
	AffiliationPublisher Affiliation = "publisher"
	AffiliationMember    Affiliation = "member"
	AffiliationOutcast   Affiliation = "outcast"
	AffiliationNone      Affiliation = "none"
)

// SubState 是单个订阅的状态
type SubState string

const (
	SubStateSubscribed   SubState = "subscribed"
	SubStatePending      SubState = "pending"
	SubStateUnconfigured SubState = "unconfigured"
	SubStateNone         SubState = "none"
)

// Node 是节点树中的一个节点。Host为域名（普通服务）或
// bare JID（PEP）。Idx在进程内唯一且分配后不变
type Node struct {
	Host    string      `bson:"host"`
	Path    string      `bson:"path"`
	Idx     int64       `bson:"node_idx"`
	Type    string      `bson:"type"`
	Parents []string    `bson:"parents"`
	Owners  []string    `bson:"owners"`
	Options NodeOptions `bson:"options"`
}

// SubOptions 是单个订阅的投递选项
type SubOptions struct {
	Deliver    bool      `bson:"deliver"`
	Depth      int       `bson:"depth"` // -1 表示不限深度
	Type       string    `bson:"type"`  // items 或 nodes
	ShowValues []string  `bson:"show_values"`
	Expire     time.Time `bson:"expire"`
}

// DefaultSubOptions 订阅建立时的初始选项
func DefaultSubOptions() SubOptions {
	return SubOptions{Deliver: true, Depth: -1, Type: SubTypeItems}
}

const (
	SubTypeItems = "items"
	SubTypeNodes = "nodes"
)

// Subscription 是 (状态, SubID) 对加上投递选项
type Subscription struct {
	State   SubState   `bson:"state"`
	SubID   string     `bson:"subid"`
	Options SubOptions `bson:"options"`
}

// StateRecord 记录一个实体在一个节点上的从属与订阅
type StateRecord struct {
	JID           string         `bson:"jid"` // bare JID
	NodeIdx       int64          `bson:"node_idx"`
	Affiliation   Affiliation    `bson:"affiliation"`
	Subscriptions []Subscription `bson:"subscriptions"`
}

// ActiveSubscriptions 返回非none状态的订阅
func (r *StateRecord) ActiveSubscriptions() []Subscription {
	var subs []Subscription
	for _, s := range r.Subscriptions {
		if s.State != SubStateNone {
			subs = append(subs, s)
		}
	}
	return subs
}

// SubscribedCount 统计subscribed状态的订阅数
func (r *StateRecord) SubscribedCount() int {
	n := 0
	for _, s := range r.Subscriptions {
		if s.State == SubStateSubscribed {
			n++
		}
	}
	return n
}

// Item 是节点内的一条已发布条目
type Item struct {
	ID         string    `bson:"item_id"`
	NodeIdx    int64     `bson:"node_idx"`
	Payload    string    `bson:"payload"` // 序列化后的XML片段
	CreatedAt  time.Time `bson:"created_at"`
	CreatedBy  string    `bson:"created_by"` // 发布者bare JID
	ModifiedAt time.Time `bson:"modified_at"`
	ModifiedBy string    `bson:"modified_by"`
}

// PayloadElement 反序列化条目负载
func (i *Item) PayloadElement() *stanza.Element {
	if i.Payload == "" {
		return nil
	}
	el, err := stanza.Parse([]byte(i.Payload))
	if err != nil {
		return nil
	}
	return el
}

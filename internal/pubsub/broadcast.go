package pubsub

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// recipient 是一次广播去重后的单个收件人
type recipient struct {
	bare       string
	subIDs     []string
	collection string // 经集合节点命中时的集合路径
}

// chainEntry 是祖先链上的一个节点及其到发布节点的距离
type chainEntry struct {
	node  *Node
	depth int
}

// collectionChain 返回节点自身加全部祖先集合，按距离展开。
// 路径字符串成环时由visited截断
func (s *Service) collectionChain(ctx context.Context, node *Node) []chainEntry {
	visited := map[string]bool{node.Path: true}
	chain := []chainEntry{{node: node, depth: 0}}

	frontier := []chainEntry{chain[0]}
	for len(frontier) > 0 {
		var next []chainEntry
		for _, entry := range frontier {
			for _, parentPath := range entry.node.Parents {
				if visited[parentPath] {
					continue
				}
				visited[parentPath] = true
				parent, err := s.store.FetchNode(ctx, s.host, parentPath)
				if err != nil {
					continue
				}
				pe := chainEntry{node: parent, depth: entry.depth + 1}
				chain = append(chain, pe)
				next = append(next, pe)
			}
		}
		frontier = next
	}
	return chain
}

// recipients 计算事件的去重收件人集合。structural为真表示
// 节点级事件（delete/create/config），匹配nodes型订阅
func (s *Service) recipients(ctx context.Context, node *Node, structural bool) []recipient {
	now := time.Now()
	merged := make(map[string]*recipient)
	var order []string

	for _, entry := range s.collectionChain(ctx, node) {
		recs, err := s.store.FetchStates(ctx, entry.node.Idx)
		if err != nil {
			logger.ErrorF("[%s] Fail to load subscribers of %s, details: %v", s.host, entry.node.Path, err)
			continue
		}
		for _, rec := range recs {
			for _, sub := range rec.Subscriptions {
				if !s.subscriptionMatches(rec, sub, entry, structural, now) {
					continue
				}
				r, ok := merged[rec.JID]
				if !ok {
					r = &recipient{bare: rec.JID}
					if entry.depth > 0 {
						r.collection = entry.node.Path
					}
					merged[rec.JID] = r
					order = append(order, rec.JID)
				}
				r.subIDs = append(r.subIDs, sub.SubID)
			}
		}
	}

	sort.Strings(order)
	result := make([]recipient, 0, len(order))
	for _, bare := range order {
		result = append(result, *merged[bare])
	}
	return result
}

func (s *Service) subscriptionMatches(rec *StateRecord, sub Subscription, entry chainEntry, structural bool, now time.Time) bool {
	if sub.State != SubStateSubscribed {
		return false
	}
	if !sub.Options.Deliver {
		return false
	}
	wantType := SubTypeItems
	if structural {
		wantType = SubTypeNodes
	}
	if sub.Options.Type != "" && sub.Options.Type != wantType {
		return false
	}
	if sub.Options.Depth >= 0 && sub.Options.Depth < entry.depth {
		return false
	}
	if !sub.Options.Expire.IsZero() && sub.Options.Expire.Before(now) {
		return false
	}
	if len(sub.Options.ShowValues) > 0 {
		if !s.anyResourceShows(rec.JID, sub.Options.ShowValues) {
			return false
		}
	} else if entry.node.Options.PresenceBasedDelivery {
		recJID, err := jid.Parse(rec.JID)
		if err != nil || s.presences == nil || !s.presences.IsOnline(recJID) {
			return false
		}
	}
	return true
}

func (s *Service) anyResourceShows(bare string, showValues []string) bool {
	if s.presences == nil {
		return false
	}
	recJID, err := jid.Parse(bare)
	if err != nil {
		return false
	}
	for _, show := range s.presences.AvailableResources(recJID) {
		for _, want := range showValues {
			if string(show) == want {
				return true
			}
		}
	}
	return false
}

// notificationMessage 构造事件通知消息骨架
func (s *Service) notificationMessage(node *Node, to string, publisher jid.JID, event *stanza.Element, r *recipient) *stanza.Element {
	from := s.host
	if s.pep && publisher.Domain != "" {
		from = publisher.Bare().String()
	}
	msgType := node.Options.NotificationType
	if msgType == "" {
		msgType = stanza.TypeHeadline
	}
	msg := stanza.NewMessage(from, to, msgType)
	msg.AppendChild(event)
	if r != nil && (r.collection != "" || len(r.subIDs) > 1) {
		msg.AppendChild(stanza.SHIMHeaders(r.collection, r.subIDs))
	}
	if s.pep && publisher.IsFull() {
		msg.AppendChild(stanza.ReplyToAddress(publisher.String()))
	}
	return msg
}

func (s *Service) fanOut(node *Node, publisher jid.JID, structural bool, event func() *stanza.Element) {
	recipients := s.recipients(context.Background(), node, structural)
	var g errgroup.Group
	g.SetLimit(8)
	for i := range recipients {
		r := recipients[i]
		g.Go(func() error {
			s.route(s.notificationMessage(node, r.bare, publisher, event(), &r))
			return nil
		})
	}
	_ = g.Wait()
}

// BroadcastPublish 广播发布事件，并为被逐出的条目补发
// retract通知
func (s *Service) BroadcastPublish(res *PublishResult, publisher jid.JID) {
	node := res.Node
	if !node.Options.DeliverNotifications {
		return
	}
	s.fanOut(node, publisher, false, func() *stanza.Element {
		event := stanza.NewNS("event", stanza.NSPubSubEvent)
		items := stanza.New("items")
		items.SetAttr("node", node.Path)
		item := stanza.New("item")
		item.SetAttr("id", res.ItemID)
		if node.Options.DeliverPayloads && res.Item != nil {
			if payload := res.Item.PayloadElement(); payload != nil {
				item.AppendChild(payload)
			}
		}
		items.AppendChild(item)
		event.AppendChild(items)
		return event
	})

	if node.Options.NotifyRetract {
		for _, evicted := range res.Evicted {
			s.broadcastRetractID(node, publisher, evicted)
		}
	}
}

// BroadcastRetract 广播条目撤回
func (s *Service) BroadcastRetract(res *RetractResult, publisher jid.JID) {
	if !res.Notify {
		return
	}
	s.broadcastRetractID(res.Node, publisher, res.ItemID)
}

func (s *Service) broadcastRetractID(node *Node, publisher jid.JID, itemID string) {
	s.fanOut(node, publisher, false, func() *stanza.Element {
		event := stanza.NewNS("event", stanza.NSPubSubEvent)
		items := stanza.New("items")
		items.SetAttr("node", node.Path)
		retract := stanza.New("retract")
		retract.SetAttr("id", itemID)
		items.AppendChild(retract)
		event.AppendChild(items)
		return event
	})
}

// BroadcastPurge 广播节点清空
func (s *Service) BroadcastPurge(node *Node) {
	s.fanOut(node, jid.JID{}, false, func() *stanza.Element {
		event := stanza.NewNS("event", stanza.NSPubSubEvent)
		purge := stanza.New("purge")
		purge.SetAttr("node", node.Path)
		event.AppendChild(purge)
		return event
	})
}

// BroadcastDelete 广播节点删除。须在删除提交前采集的订阅者
// 名单上工作，故直接使用DeleteResult
func (s *Service) BroadcastDelete(res *DeleteResult) {
	node := res.Node
	if !node.Options.NotifyDelete {
		return
	}
	event := stanza.NewNS("event", stanza.NSPubSubEvent)
	del := stanza.New("delete")
	del.SetAttr("node", node.Path)
	event.AppendChild(del)

	for _, rec := range res.Subscribers {
		if rec.SubscribedCount() == 0 {
			continue
		}
		s.route(s.notificationMessage(node, rec.JID, jid.JID{}, event.Copy(), nil))
	}
}

// BroadcastConfig 广播配置变更，deliver_payloads时附带表单
func (s *Service) BroadcastConfig(node *Node) {
	if !node.Options.NotifyConfig {
		return
	}
	s.fanOut(node, jid.JID{}, true, func() *stanza.Element {
		event := stanza.NewNS("event", stanza.NSPubSubEvent)
		configEl := stanza.New("configuration")
		configEl.SetAttr("node", node.Path)
		if node.Options.DeliverPayloads {
			form := node.Options.Form(stanza.FormTypeResult)
			configEl.AppendChild(form.Element())
		}
		event.AppendChild(configEl)
		return event
	})
}

// BroadcastCreate 向祖先集合的nodes型订阅者通告新节点
func (s *Service) BroadcastCreate(node *Node) {
	s.fanOut(node, jid.JID{}, true, func() *stanza.Element {
		event := stanza.NewNS("event", stanza.NSPubSubEvent)
		create := stanza.New("create")
		create.SetAttr("node", node.Path)
		event.AppendChild(create)
		return event
	})
}

// NotifySubscriptionState 把订阅状态结论通知订阅主体。
// 属性名使用正确拼写，兼容别名按配置附加
func (s *Service) NotifySubscriptionState(node *Node, subJID string, sub Subscription) {
	msg := stanza.NewMessage(s.host, subJID, "")
	event := stanza.NewNS("event", stanza.NSPubSubEvent)
	subEl := stanza.New("subscription")
	subEl.SetAttr("node", node.Path)
	subEl.SetAttr("jid", subJID)
	subEl.SetAttr("subscription", string(sub.State))
	if s.cfg.CompatSubscriptionTypo {
		subEl.SetAttr("subsription", string(sub.State))
	}
	if sub.SubID != "" {
		subEl.SetAttr("subid", sub.SubID)
	}
	event.AppendChild(subEl)
	msg.AppendChild(event)
	s.route(msg)

	if node.Options.NotifySub {
		s.fanOut(node, jid.JID{}, true, func() *stanza.Element {
			ev := stanza.NewNS("event", stanza.NSPubSubEvent)
			se := stanza.New("subscription")
			se.SetAttr("node", node.Path)
			se.SetAttr("jid", subJID)
			se.SetAttr("subscription", string(sub.State))
			if s.cfg.CompatSubscriptionTypo {
				se.SetAttr("subsription", string(sub.State))
			}
			ev.AppendChild(se)
			return ev
		})
	}
}

// SendAuthorizationRequests 向每个owner发送审批表单
func (s *Service) SendAuthorizationRequests(node *Node, subscriber string, subID string) {
	form := &stanza.Form{Type: stanza.FormTypeForm, Title: "PubSub subscriber request"}
	form.AddField(stanza.FormField{Var: "FORM_TYPE", Type: "hidden",
		Values: []string{stanza.NSPubSub + "#subscribe_authorization"}})
	form.AddField(stanza.FormField{Var: "pubsub#subid", Type: "hidden", Values: []string{subID}})
	form.AddField(stanza.FormField{Var: "pubsub#node", Type: "text-single", Values: []string{node.Path}})
	form.AddField(stanza.FormField{Var: "pubsub#subscriber_jid", Type: "jid-single", Values: []string{subscriber}})
	form.AddField(stanza.FormField{Var: "pubsub#allow", Type: "boolean", Values: []string{"false"}})

	for _, owner := range node.Owners {
		msg := stanza.NewMessage(s.host, owner, "")
		msg.AppendChild(form.Element())
		s.route(msg)
	}
}

// SendLastItems 把节点最近的条目推给新订阅者或新上线资源
func (s *Service) SendLastItems(ctx context.Context, node *Node, to string, subIDs []string, publisher jid.JID) {
	var last *Item
	if s.lastItems != nil {
		if cached, ok := s.lastItems.Get(s.host, node.Path); ok {
			last = cached
		}
	}
	if last == nil && node.Options.PersistItems {
		items, err := s.store.FetchItems(ctx, node.Idx)
		if err != nil || len(items) == 0 {
			return
		}
		last = items[0]
	}
	if last == nil {
		return
	}

	event := stanza.NewNS("event", stanza.NSPubSubEvent)
	items := stanza.New("items")
	items.SetAttr("node", node.Path)
	item := stanza.New("item")
	item.SetAttr("id", last.ID)
	if node.Options.DeliverPayloads {
		if payload := last.PayloadElement(); payload != nil {
			item.AppendChild(payload)
		}
	}
	items.AppendChild(item)
	event.AppendChild(items)

	r := &recipient{bare: to, subIDs: subIDs}
	s.route(s.notificationMessage(node, to, publisher, event, r))
}

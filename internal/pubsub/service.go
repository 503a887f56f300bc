package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/presence"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// ServiceConfig 汇总单个服务宿主的配置
type ServiceConfig struct {
	AccessCreateNode       string
	MaxItemsNode           int
	IgnorePEPFromOffline   bool
	LastItemCache          bool
	Plugins                []string
	DefaultPlugin          string
	CompatSubscriptionTypo bool
}

func (c *ServiceConfig) fillDefaults() {
	if c.AccessCreateNode == "" {
		c.AccessCreateNode = "all"
	}
	if c.MaxItemsNode == 0 {
		c.MaxItemsNode = 10
	}
	if len(c.Plugins) == 0 {
		c.Plugins = []string{"flat", "pep"}
	}
	if c.DefaultPlugin == "" {
		c.DefaultPlugin = c.Plugins[0]
	}
}

// PresenceSource 查询资源出席状态（广播过滤使用）
type PresenceSource interface {
	AvailableResources(bare jid.JID) map[string]presence.Show
	IsOnline(bare jid.JID) bool
}

// Service 是一个宿主的发布订阅服务。宿主为域名（普通服务）
// 或用户bare JID（PEP）。公开入口把工作排入单消费者队列，
// 保证宿主内事件顺序处理
type Service struct {
	host string
	pep  bool
	cfg  ServiceConfig

	store     Store
	route     func(el *stanza.Element)
	roster    RosterChecker
	presences PresenceSource
	lastItems *LastItemCache

	queue    chan func()
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewService(host string, pep bool, cfg ServiceConfig, store Store, route func(el *stanza.Element), roster RosterChecker, presences PresenceSource) *Service {
	cfg.fillDefaults()
	if _, ok := store.(*CachedStore); !ok {
		store = NewCachedStore(store)
	}
	s := &Service{
		host:      host,
		pep:       pep,
		cfg:       cfg,
		store:     store,
		route:     route,
		roster:    roster,
		presences: presences,
		queue:     make(chan func(), 1024),
		stopped:   make(chan struct{}),
	}
	if cfg.LastItemCache {
		s.lastItems = NewLastItemCache()
	}
	go s.runQueue()
	return s
}

func (s *Service) runQueue() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.stopped:
			return
		}
	}
}

// Enqueue 把工作排入宿主队列
func (s *Service) Enqueue(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.stopped:
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Service) Host() string {
	return s.host
}

func (s *Service) plugin(name string) (Plugin, *Error) {
	enabled := false
	for _, p := range s.cfg.Plugins {
		if p == name {
			enabled = true
			break
		}
	}
	if !enabled {
		return nil, errOf(stanza.ErrNotAcceptable)
	}
	p, ok := PluginByName(name)
	if !ok {
		return nil, errOf(stanza.ErrNotAcceptable)
	}
	return p, nil
}

func (s *Service) nodePlugin(node *Node) Plugin {
	if p, ok := PluginByName(node.Type); ok {
		return p
	}
	p, _ := PluginByName("flat")
	return p
}

func (s *Service) defaultPlugin() Plugin {
	name := s.cfg.DefaultPlugin
	if s.pep {
		name = "pep"
	}
	p, ok := PluginByName(name)
	if !ok {
		p, _ = PluginByName("flat")
	}
	return p
}

func isOwner(node *Node, who jid.JID) bool {
	bare := who.Bare().String()
	for _, o := range node.Owners {
		if o == bare {
			return true
		}
	}
	return false
}

// CreateNode 建立节点。path为空时要求instant-nodes能力并生成
// 随机路径。返回实际建立的路径
func (s *Service) CreateNode(ctx context.Context, owner jid.JID, path, nodeType string, form *stanza.Form) (string, *Error) {
	if nodeType == "" {
		nodeType = s.defaultPlugin().Name()
	}
	plugin, perr := s.plugin(nodeType)
	if perr != nil {
		return "", perr
	}

	if path == "" {
		if !HasFeature(plugin, FeatInstantNodes) {
			return "", errUnsupported(FeatInstantNodes)
		}
		return s.CreateNode(ctx, owner, uuid.NewString(), nodeType, form)
	}

	options := plugin.DefaultOptions(s.cfg.MaxItemsNode)
	if form != nil {
		if err := options.ApplyForm(form); err != nil {
			logger.DebugF("[%s] Malformed node configuration for %s, details: %v", s.host, path, err)
			return "", errOf(stanza.ErrNotAcceptable)
		}
	}

	var serr *Error
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.store.FetchNode(ctx, s.host, path); err == nil {
			serr = errOf(stanza.ErrConflict)
			return nil
		}

		parents := s.parentPaths(path, options)
		var parent *Node
		if len(parents) > 0 {
			parent, _ = s.store.FetchNode(ctx, s.host, parents[0])
		}
		if !plugin.AllowCreate(s.host, owner, path, parent, s.cfg.AccessCreateNode) {
			serr = errOf(stanza.ErrForbidden)
			return nil
		}

		idx, err := s.store.AllocateNodeIdx(ctx)
		if err != nil {
			return err
		}
		node := &Node{
			Host:    s.host,
			Path:    path,
			Idx:     idx,
			Type:    nodeType,
			Parents: parents,
			Owners:  []string{owner.Bare().String()},
			Options: options,
		}
		if err := s.store.UpsertNode(ctx, node); err != nil {
			return err
		}
		return s.store.UpsertState(ctx, &StateRecord{
			JID:         owner.Bare().String(),
			NodeIdx:     idx,
			Affiliation: AffiliationOwner,
		})
	})
	if err != nil {
		logger.ErrorF("[%s] Fail to create node %s, details: %v", s.host, path, err)
		return "", errOf(stanza.ErrInternalServerError)
	}
	if serr != nil {
		return "", serr
	}
	logger.InfoF("[%s] Node %s created by %s", s.host, path, owner.Bare().String())
	return path, nil
}

// parentPaths 推导节点的父集合：collection选项优先，
// hometree类型回退到路径前缀
func (s *Service) parentPaths(path string, options NodeOptions) []string {
	if len(options.Collection) > 0 {
		return options.Collection
	}
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return []string{path[:i]}
	}
	return nil
}

// SubscribeResult 是订阅请求的结果
type SubscribeResult struct {
	Node    *Node
	JID     string
	State   SubState
	SubID   string
	Pending bool
}

// SubscribeNode 处理订阅请求，返回授予的订阅状态
func (s *Service) SubscribeNode(ctx context.Context, requester jid.JID, subJID jid.JID, path string, optionsForm *stanza.Form) (*SubscribeResult, *Error) {
	if requester.Bare() != subJID.Bare() {
		return nil, errExtended(stanza.ErrBadRequest, "invalid-jid")
	}

	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatSubscribe) {
		return nil, errUnsupported(FeatSubscribe)
	}
	if !node.Options.Subscribe {
		return nil, errOf(stanza.ErrForbidden)
	}
	if optionsForm != nil && !HasFeature(plugin, FeatSubscriptionOpts) {
		return nil, errUnsupported(FeatSubscriptionOpts)
	}

	bare := subJID.Bare().String()
	rec, _ := s.store.FetchState(ctx, bare, node.Idx)
	if rec != nil && rec.Affiliation == AffiliationOutcast {
		return nil, errOf(stanza.ErrForbidden)
	}

	state, aerr := s.checkSubscribeAccess(ctx, node, requester)
	if aerr != nil {
		return nil, aerr
	}

	if rec == nil {
		rec = &StateRecord{JID: bare, NodeIdx: node.Idx, Affiliation: AffiliationNone}
	}

	// 非multi-subscribe时重复订阅返回现状
	if !HasFeature(plugin, FeatMultiSubscribe) {
		for _, sub := range rec.Subscriptions {
			if sub.State == SubStateSubscribed || sub.State == SubStatePending {
				return &SubscribeResult{Node: node, JID: bare, State: sub.State, SubID: sub.SubID}, nil
			}
		}
	}

	subOptions := DefaultSubOptions()
	if optionsForm != nil {
		applySubOptionsForm(&subOptions, optionsForm)
	}

	sub := Subscription{State: state, SubID: uuid.NewString(), Options: subOptions}
	rec.Subscriptions = append(rec.Subscriptions, sub)

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		return s.store.UpsertState(ctx, rec)
	})
	if txErr != nil {
		logger.ErrorF("[%s] Fail to store subscription on %s, details: %v", s.host, path, txErr)
		return nil, errOf(stanza.ErrInternalServerError)
	}

	logger.InfoF("[%s] %s subscription on %s for %s (subid=%s)", s.host, state, path, bare, sub.SubID)
	return &SubscribeResult{
		Node:    node,
		JID:     bare,
		State:   state,
		SubID:   sub.SubID,
		Pending: state == SubStatePending,
	}, nil
}

func applySubOptionsForm(o *SubOptions, form *stanza.Form) {
	for _, field := range form.Fields {
		switch strings.TrimPrefix(field.Var, optionPrefix) {
		case "deliver":
			o.Deliver = field.Bool()
		case "subscription_depth":
			if field.Value() == "all" {
				o.Depth = -1
			} else if n, ok := field.Int(); ok {
				o.Depth = n
			}
		case "subscription_type":
			if v := field.Value(); v == SubTypeItems || v == SubTypeNodes {
				o.Type = v
			}
		case "show-values", "show_values":
			o.ShowValues = append([]string(nil), field.Values...)
		case "expire":
			if t, err := time.Parse(time.RFC3339, field.Value()); err == nil {
				o.Expire = t
			}
		}
	}
}

// Unsubscribe 撤销订阅。subid为空时要求恰有一个订阅
func (s *Service) Unsubscribe(ctx context.Context, requester jid.JID, subJID jid.JID, path, subID string) *Error {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return errOf(stanza.ErrItemNotFound)
	}

	bare := subJID.Bare().String()
	if requester.Bare().String() != bare && !isOwner(node, requester) {
		return errOf(stanza.ErrForbidden)
	}

	rec, err := s.store.FetchState(ctx, bare, node.Idx)
	if err != nil || len(rec.ActiveSubscriptions()) == 0 {
		return errExtended(stanza.ErrUnexpectedRequest, "not-subscribed")
	}

	if subID == "" && len(rec.ActiveSubscriptions()) > 1 {
		return errExtended(stanza.ErrBadRequest, "subid-required")
	}

	kept := rec.Subscriptions[:0]
	removed := false
	for _, sub := range rec.Subscriptions {
		if !removed && (subID == "" || sub.SubID == subID) {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	if !removed {
		return errExtended(stanza.ErrItemNotFound, "invalid-subid")
	}
	rec.Subscriptions = kept

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		if len(rec.Subscriptions) == 0 && rec.Affiliation == AffiliationNone {
			return s.store.DeleteState(ctx, bare, node.Idx)
		}
		return s.store.UpsertState(ctx, rec)
	})
	if txErr != nil {
		return errOf(stanza.ErrInternalServerError)
	}
	return nil
}

// PublishResult 是发布操作的结果
type PublishResult struct {
	Node    *Node
	ItemID  string
	Item    *Item
	Evicted []string
}

// PublishItem 发布条目。节点不存在且类型支持auto-create时
// 先以默认配置建立
func (s *Service) PublishItem(ctx context.Context, publisher jid.JID, path, itemID string, payload *stanza.Element) (*PublishResult, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		plugin := s.defaultPlugin()
		if !HasFeature(plugin, FeatAutoCreate) {
			return nil, errOf(stanza.ErrItemNotFound)
		}
		if _, cerr := s.CreateNode(ctx, publisher, path, plugin.Name(), nil); cerr != nil {
			return nil, cerr
		}
		node, err = s.store.FetchNode(ctx, s.host, path)
		if err != nil {
			return nil, errOf(stanza.ErrInternalServerError)
		}
	}

	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatPublish) {
		return nil, errUnsupported(FeatPublish)
	}

	bare := publisher.Bare().String()
	rec, _ := s.store.FetchState(ctx, bare, node.Idx)
	if perr := checkPublishPermission(node, rec); perr != nil {
		return nil, perr
	}

	if perr := checkPayload(node, payload); perr != nil {
		return nil, perr
	}

	if itemID == "" {
		itemID = uuid.NewString()
	}

	now := time.Now().UTC()
	item := &Item{
		ID:         itemID,
		NodeIdx:    node.Idx,
		CreatedAt:  now,
		CreatedBy:  bare,
		ModifiedAt: now,
		ModifiedBy: bare,
	}
	if payload != nil {
		item.Payload = payload.String()
	}

	result := &PublishResult{Node: node, ItemID: itemID, Item: item}

	if node.Options.PersistItems {
		run := s.store.Transaction
		if plugin.DirtyReads() {
			run = s.store.SyncDirty
		}
		txErr := run(ctx, func(ctx context.Context) error {
			if existing, err := s.store.FetchItem(ctx, node.Idx, itemID); err == nil {
				item.CreatedAt = existing.CreatedAt
				item.CreatedBy = existing.CreatedBy
			}
			if err := s.store.UpsertItem(ctx, item); err != nil {
				return err
			}
			// 超出容量时逐出最旧条目
			items, err := s.store.FetchItems(ctx, node.Idx)
			if err != nil {
				return err
			}
			max := node.Options.MaxItems
			if max > 0 && len(items) > max {
				for _, old := range items[max:] {
					if err := s.store.DeleteItem(ctx, node.Idx, old.ID); err != nil {
						return err
					}
					result.Evicted = append(result.Evicted, old.ID)
				}
			}
			return nil
		})
		if txErr != nil {
			logger.ErrorF("[%s] Fail to store item %s on %s, details: %v", s.host, itemID, path, txErr)
			return nil, errOf(stanza.ErrInternalServerError)
		}
	}

	if s.lastItems != nil {
		s.lastItems.Put(s.host, path, item)
	}

	logger.DebugF("[%s] Item %s published to %s by %s", s.host, itemID, path, bare)
	return result, nil
}

func checkPublishPermission(node *Node, rec *StateRecord) *Error {
	var affiliation Affiliation = AffiliationNone
	subscribed := false
	if rec != nil {
		affiliation = rec.Affiliation
		subscribed = rec.SubscribedCount() > 0
	}
	if affiliation == AffiliationOutcast {
		return errOf(stanza.ErrForbidden)
	}
	switch node.Options.PublishModel {
	case PublishModelOpen:
		return nil
	case PublishModelSubscribers:
		if affiliation == AffiliationOwner || affiliation == AffiliationPublisher || subscribed {
			return nil
		}
	default: // publishers
		if affiliation == AffiliationOwner || affiliation == AffiliationPublisher {
			return nil
		}
	}
	return errOf(stanza.ErrForbidden)
}

func checkPayload(node *Node, payload *stanza.Element) *Error {
	expectsPayload := node.Options.DeliverPayloads || node.Options.PersistItems
	if expectsPayload && payload == nil {
		return errExtended(stanza.ErrBadRequest, "payload-required")
	}
	if !expectsPayload && payload != nil {
		return errExtended(stanza.ErrBadRequest, "item-forbidden")
	}
	if payload == nil {
		return nil
	}
	if max := node.Options.MaxPayloadSize; max > 0 && len(payload.String()) > max {
		return errExtended(stanza.ErrNotAcceptable, "payload-too-big")
	}
	if node.Options.Type != "" && payload.Namespace() != node.Options.Type {
		return errExtended(stanza.ErrBadRequest, "invalid-payload")
	}
	return nil
}

// RetractResult 是撤回操作的结果
type RetractResult struct {
	Node   *Node
	ItemID string
	Notify bool
}

// RetractItem 撤回指定条目
func (s *Service) RetractItem(ctx context.Context, publisher jid.JID, path, itemID string, forceNotify bool) (*RetractResult, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatPersistentItems) {
		return nil, errUnsupported(FeatPersistentItems)
	}
	if !HasFeature(plugin, FeatDeleteItems) {
		return nil, errUnsupported(FeatDeleteItems)
	}

	bare := publisher.Bare().String()
	rec, _ := s.store.FetchState(ctx, bare, node.Idx)

	item, err := s.store.FetchItem(ctx, node.Idx, itemID)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	// 条目作者总可以撤回自己的条目
	if item.CreatedBy != bare {
		if perr := checkPublishPermission(node, rec); perr != nil {
			return nil, perr
		}
	}

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		return s.store.DeleteItem(ctx, node.Idx, itemID)
	})
	if txErr != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}
	if s.lastItems != nil {
		if cached, ok := s.lastItems.Get(s.host, path); ok && cached.ID == itemID {
			s.lastItems.Remove(s.host, path)
		}
	}
	return &RetractResult{
		Node:   node,
		ItemID: itemID,
		Notify: node.Options.NotifyRetract || forceNotify,
	}, nil
}

// PurgeNode 清空节点全部条目（owner专属）
func (s *Service) PurgeNode(ctx context.Context, requester jid.JID, path string) (*Node, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatPurgeNodes) {
		return nil, errUnsupported(FeatPurgeNodes)
	}
	if !isOwner(node, requester) {
		return nil, errOf(stanza.ErrForbidden)
	}
	if !node.Options.PersistItems {
		return nil, errUnsupported(FeatPersistentItems)
	}

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		return s.store.DeleteItems(ctx, node.Idx)
	})
	if txErr != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}
	if s.lastItems != nil {
		s.lastItems.Remove(s.host, path)
	}
	logger.InfoF("[%s] Node %s purged by %s", s.host, path, requester.Bare().String())
	return node, nil
}

// DeleteResult 是删除节点的结果
type DeleteResult struct {
	Node        *Node
	Subscribers []*StateRecord
}

// DeleteNode 删除节点及其子树（owner专属）
func (s *Service) DeleteNode(ctx context.Context, requester jid.JID, path string) (*DeleteResult, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatDeleteNodes) {
		return nil, errUnsupported(FeatDeleteNodes)
	}
	if !isOwner(node, requester) {
		return nil, errOf(stanza.ErrForbidden)
	}

	subscribers, _ := s.store.FetchStates(ctx, node.Idx)

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		return s.deleteNodeTree(ctx, node)
	})
	if txErr != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}
	logger.InfoF("[%s] Node %s deleted by %s", s.host, path, requester.Bare().String())
	return &DeleteResult{Node: node, Subscribers: subscribers}, nil
}

// deleteNodeTree 自底向上级联删除节点及其派生状态
func (s *Service) deleteNodeTree(ctx context.Context, node *Node) error {
	children, err := s.store.FetchChildNodes(ctx, node.Host, node.Path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.deleteNodeTree(ctx, child); err != nil {
			return err
		}
	}
	if err := s.store.DeleteItems(ctx, node.Idx); err != nil {
		return err
	}
	if err := s.store.DeleteStates(ctx, node.Idx); err != nil {
		return err
	}
	if err := s.store.DeleteNode(ctx, node.Host, node.Path); err != nil {
		return err
	}
	if s.lastItems != nil {
		s.lastItems.Remove(node.Host, node.Path)
	}
	return s.store.ReleaseNodeIdx(ctx, node.Idx)
}

// GetItems 读取节点条目，新者在前，最多max条（0表示节点上限）
func (s *Service) GetItems(ctx context.Context, requester jid.JID, path string, max int) ([]*Item, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatRetrieveItems) {
		return nil, errUnsupported(FeatRetrieveItems)
	}
	if aerr := s.checkRetrieveAccess(ctx, node, requester); aerr != nil {
		return nil, aerr
	}

	var items []*Item
	fetch := func(ctx context.Context) error {
		var err error
		items, err = s.store.FetchItems(ctx, node.Idx)
		return err
	}
	if err := s.store.SyncDirty(ctx, fetch); err != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}

	limit := node.Options.MaxItems
	if max > 0 && (limit == 0 || max < limit) {
		limit = max
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// GetItem 读取单个条目
func (s *Service) GetItem(ctx context.Context, requester jid.JID, path, itemID string) (*Item, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	if aerr := s.checkRetrieveAccess(ctx, node, requester); aerr != nil {
		return nil, aerr
	}
	item, err := s.store.FetchItem(ctx, node.Idx, itemID)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	return item, nil
}

// ConfigureNode 更新节点配置（owner专属）
func (s *Service) ConfigureNode(ctx context.Context, requester jid.JID, path string, form *stanza.Form) (*Node, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatConfigNode) {
		return nil, errUnsupported(FeatConfigNode)
	}
	if !isOwner(node, requester) {
		return nil, errOf(stanza.ErrForbidden)
	}

	options := node.Options
	if err := options.ApplyForm(form); err != nil {
		return nil, errOf(stanza.ErrNotAcceptable)
	}
	node.Options = options
	node.Parents = s.parentPaths(node.Path, options)

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		return s.store.UpsertNode(ctx, node)
	})
	if txErr != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}
	logger.InfoF("[%s] Node %s reconfigured by %s", s.host, path, requester.Bare().String())
	return node, nil
}

// DefaultConfigForm 返回默认节点配置表单
func (s *Service) DefaultConfigForm() *stanza.Form {
	options := s.defaultPlugin().DefaultOptions(s.cfg.MaxItemsNode)
	return options.Form(stanza.FormTypeForm)
}

// GetAffiliations 返回节点的从属表。owner专属
func (s *Service) GetAffiliations(ctx context.Context, requester jid.JID, path string) (*Node, []*StateRecord, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, nil, errOf(stanza.ErrItemNotFound)
	}
	if !isOwner(node, requester) {
		return nil, nil, errOf(stanza.ErrForbidden)
	}
	recs, ferr := s.store.FetchStates(ctx, node.Idx)
	if ferr != nil {
		return nil, nil, errOf(stanza.ErrInternalServerError)
	}
	return node, recs, nil
}

// SetAffiliations 修改从属表（owner专属）。owner写入同步到
// 节点owner集合，none清除记录；不允许移除最后一个owner
func (s *Service) SetAffiliations(ctx context.Context, requester jid.JID, path string, changes map[string]Affiliation) *Error {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatModifyAffiliations) {
		return errUnsupported(FeatModifyAffiliations)
	}
	if !isOwner(node, requester) {
		return errOf(stanza.ErrForbidden)
	}

	var serr *Error
	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		owners := append([]string(nil), node.Owners...)
		for who, affiliation := range changes {
			whoJID, err := jid.Parse(who)
			if err != nil {
				serr = errOf(stanza.ErrBadRequest)
				return nil
			}
			bare := whoJID.Bare().String()

			switch affiliation {
			case AffiliationOwner:
				if !containsString(owners, bare) {
					owners = append(owners, bare)
				}
			case AffiliationNone:
				if containsString(owners, bare) {
					if len(owners) == 1 {
						serr = errOf(stanza.ErrNotAllowed)
						return nil
					}
					owners = removeString(owners, bare)
				}
			default:
				if containsString(owners, bare) {
					if len(owners) == 1 {
						serr = errOf(stanza.ErrNotAllowed)
						return nil
					}
					owners = removeString(owners, bare)
				}
			}

			rec, err := s.store.FetchState(ctx, bare, node.Idx)
			if err != nil {
				rec = &StateRecord{JID: bare, NodeIdx: node.Idx}
			}
			rec.Affiliation = affiliation
			if affiliation == AffiliationNone && len(rec.ActiveSubscriptions()) == 0 {
				if err := s.store.DeleteState(ctx, bare, node.Idx); err != nil {
					return err
				}
				continue
			}
			if err := s.store.UpsertState(ctx, rec); err != nil {
				return err
			}
		}
		node.Owners = owners
		return s.store.UpsertNode(ctx, node)
	})
	if txErr != nil {
		return errOf(stanza.ErrInternalServerError)
	}
	return serr
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// SubscriptionChange 描述一条订阅状态修改
type SubscriptionChange struct {
	JID   string
	SubID string
	State SubState
}

// SetSubscriptions 修改订阅表（owner专属）。全部条目先校验
// 后落库，任一条目非法则整体失败
func (s *Service) SetSubscriptions(ctx context.Context, requester jid.JID, path string, changes []SubscriptionChange) ([]*StateRecord, *Error) {
	node, err := s.store.FetchNode(ctx, s.host, path)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	plugin := s.nodePlugin(node)
	if !HasFeature(plugin, FeatManageSubscriptions) {
		return nil, errUnsupported(FeatManageSubscriptions)
	}
	if !isOwner(node, requester) {
		return nil, errOf(stanza.ErrForbidden)
	}

	// 先整体校验，再原子提交
	type plannedChange struct {
		rec *StateRecord
	}
	var planned []plannedChange
	for _, change := range changes {
		switch change.State {
		case SubStateSubscribed, SubStatePending, SubStateUnconfigured, SubStateNone:
		default:
			return nil, errOf(stanza.ErrNotAcceptable)
		}
		whoJID, err := jid.Parse(change.JID)
		if err != nil {
			return nil, errOf(stanza.ErrNotAcceptable)
		}
		bare := whoJID.Bare().String()
		rec, err := s.store.FetchState(ctx, bare, node.Idx)
		if err != nil {
			if change.State == SubStateNone {
				continue
			}
			rec = &StateRecord{JID: bare, NodeIdx: node.Idx, Affiliation: AffiliationNone}
		}
		updated := false
		kept := rec.Subscriptions[:0]
		for _, sub := range rec.Subscriptions {
			if change.SubID != "" && sub.SubID != change.SubID {
				kept = append(kept, sub)
				continue
			}
			updated = true
			if change.State == SubStateNone {
				continue
			}
			sub.State = change.State
			kept = append(kept, sub)
		}
		rec.Subscriptions = kept
		if !updated {
			if change.State == SubStateNone {
				return nil, errOf(stanza.ErrNotAcceptable)
			}
			rec.Subscriptions = append(rec.Subscriptions, Subscription{
				State:   change.State,
				SubID:   uuid.NewString(),
				Options: DefaultSubOptions(),
			})
		}
		planned = append(planned, plannedChange{rec: rec})
	}

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		for _, p := range planned {
			if len(p.rec.Subscriptions) == 0 && p.rec.Affiliation == AffiliationNone {
				if err := s.store.DeleteState(ctx, p.rec.JID, p.rec.NodeIdx); err != nil {
					return err
				}
				continue
			}
			if err := s.store.UpsertState(ctx, p.rec); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}

	result := make([]*StateRecord, 0, len(planned))
	for _, p := range planned {
		result = append(result, p.rec)
	}
	return result, nil
}

// GetSubscriptions 返回节点订阅表（owner）或请求者在本宿主
// 的全部订阅（path为空）
func (s *Service) GetSubscriptions(ctx context.Context, requester jid.JID, path string) ([]*StateRecord, *Error) {
	if path != "" {
		node, err := s.store.FetchNode(ctx, s.host, path)
		if err != nil {
			return nil, errOf(stanza.ErrItemNotFound)
		}
		if !isOwner(node, requester) {
			return nil, errOf(stanza.ErrForbidden)
		}
		recs, ferr := s.store.FetchStates(ctx, node.Idx)
		if ferr != nil {
			return nil, errOf(stanza.ErrInternalServerError)
		}
		return recs, nil
	}
	recs, err := s.store.FetchStatesByJID(ctx, requester.Bare().String())
	if err != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}
	return recs, nil
}

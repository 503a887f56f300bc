package pubsub

import (
	"strings"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
)

// 节点类型插件能力名
const (
	FeatCreateNodes         = "create-nodes"
	FeatAutoCreate          = "auto-create"
	FeatInstantNodes        = "instant-nodes"
	FeatConfigNode          = "config-node"
	FeatDeleteNodes         = "delete-nodes"
	FeatDeleteItems         = "delete-items"
	FeatItemIDs             = "item-ids"
	FeatManageSubscriptions = "manage-subscriptions"
	FeatModifyAffiliations  = "modify-affiliations"
	FeatMultiSubscribe      = "multi-subscribe"
	FeatOutcastAffiliation  = "outcast-affiliation"
	FeatPersistentItems     = "persistent-items"
	FeatPublish             = "publish"
	FeatPublisherAff        = "publisher-affiliation"
	FeatPurgeNodes          = "purge-nodes"
	FeatRetractItems        = "retract-items"
	FeatRetrieveAff         = "retrieve-affiliations"
	FeatRetrieveItems       = "retrieve-items"
	FeatRetrieveSubs        = "retrieve-subscriptions"
	FeatSubscribe           = "subscribe"
	FeatSubscriptionOpts    = "subscription-options"
	FeatAccessAuthorize     = "access-authorize"
	FeatAccessWhitelist     = "access-whitelist"
	FeatFilteredNotifs      = "filtered-notifications"
	FeatCollections         = "collections"
	FeatLastPublished       = "last-published"
)

// Plugin 定义了节点类型的能力表。默认行为在basePlugin中，
// 各变体按需覆盖
type Plugin interface {
	Name() string
	Features() map[string]bool
	DefaultOptions(maxItems int) NodeOptions
	// AllowCreate 判断owner能否在该宿主下建立path节点
	AllowCreate(host string, owner jid.JID, path string, parent *Node, accessCreate string) bool
	// DirtyReads 为真时读路径与发布使用免隔离的快速访问
	DirtyReads() bool
}

type basePlugin struct{}

func (basePlugin) Features() map[string]bool {
	return map[string]bool{
		FeatCreateNodes: true, FeatAutoCreate: true, FeatInstantNodes: true,
		FeatConfigNode: true, FeatDeleteNodes: true, FeatDeleteItems: true,
		FeatItemIDs: true, FeatManageSubscriptions: true, FeatModifyAffiliations: true,
		FeatOutcastAffiliation: true, FeatPersistentItems: true, FeatPublish: true,
		FeatPublisherAff: true, FeatPurgeNodes: true, FeatRetractItems: true,
		FeatRetrieveAff: true, FeatRetrieveItems: true, FeatRetrieveSubs: true,
		FeatSubscribe: true, FeatSubscriptionOpts: true, FeatAccessAuthorize: true,
		FeatAccessWhitelist: true, FeatFilteredNotifs: true, FeatLastPublished: true,
	}
}

func (basePlugin) DefaultOptions(maxItems int) NodeOptions {
	return NodeOptions{
		DeliverPayloads:       true,
		DeliverNotifications:  true,
		NotifyRetract:         true,
		NotifyDelete:          true,
		PersistItems:          true,
		MaxItems:              maxItems,
		Subscribe:             true,
		AccessModel:           AccessOpen,
		PublishModel:          PublishModelPublishers,
		NotificationType:      "headline",
		MaxPayloadSize:        60000,
		SendLastPublishedItem: SendLastOnSub,
	}
}

func (basePlugin) AllowCreate(_ string, _ jid.JID, _ string, _ *Node, accessCreate string) bool {
	return accessCreate != "none"
}

func (basePlugin) DirtyReads() bool {
	return false
}

// flatPlugin 无层级命名约束的普通节点
type flatPlugin struct{ basePlugin }

func (flatPlugin) Name() string { return "flat" }

func (p flatPlugin) Features() map[string]bool {
	feats := p.basePlugin.Features()
	feats[FeatCollections] = true
	return feats
}

func (flatPlugin) DirtyReads() bool { return true }

// pepPlugin 宿主为用户bare JID的个人事件节点
type pepPlugin struct{ basePlugin }

func (pepPlugin) Name() string { return "pep" }

func (p pepPlugin) Features() map[string]bool {
	feats := p.basePlugin.Features()
	delete(feats, FeatManageSubscriptions)
	return feats
}

func (p pepPlugin) DefaultOptions(maxItems int) NodeOptions {
	opts := p.basePlugin.DefaultOptions(maxItems)
	opts.AccessModel = AccessPresence
	opts.SendLastPublishedItem = SendLastOnSubPresence
	opts.PresenceBasedDelivery = true
	opts.MaxItems = 1
	return opts
}

func (pepPlugin) AllowCreate(host string, owner jid.JID, _ string, _ *Node, _ string) bool {
	// PEP节点只能由宿主用户自己创建
	return owner.Bare().String() == host
}

// hometreePlugin 以 /home/<domain>/<user> 为根的层级节点
type hometreePlugin struct{ basePlugin }

func (hometreePlugin) Name() string { return "hometree" }

func (p hometreePlugin) Features() map[string]bool {
	feats := p.basePlugin.Features()
	feats[FeatCollections] = true
	return feats
}

func (hometreePlugin) AllowCreate(_ string, owner jid.JID, path string, parent *Node, accessCreate string) bool {
	if accessCreate == "none" {
		return false
	}
	home := "/home/" + owner.Domain + "/" + owner.Node
	if path == home || strings.HasPrefix(path, home+"/") {
		return true
	}
	// 家目录以外需要父节点owner身份
	if parent != nil {
		bare := owner.Bare().String()
		for _, o := range parent.Owners {
			if o == bare {
				return true
			}
		}
	}
	return false
}

var plugins = map[string]Plugin{
	"flat":     flatPlugin{},
	"pep":      pepPlugin{},
	"hometree": hometreePlugin{},
}

// PluginByName 按名称取插件，未注册类型返回false
func PluginByName(name string) (Plugin, bool) {
	p, ok := plugins[name]
	return p, ok
}

// HasFeature 判断插件是否支持某能力
func HasFeature(p Plugin, feature string) bool {
	return p.Features()[feature]
}

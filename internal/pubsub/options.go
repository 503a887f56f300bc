package pubsub

import (
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// 访问模型
const (
	AccessOpen      = "open"
	AccessPresence  = "presence"
	AccessRoster    = "roster"
	AccessAuthorize = "authorize"
	AccessWhitelist = "whitelist"
)

// 发布模型
const (
	PublishModelPublishers  = "publishers"
	PublishModelSubscribers = "subscribers"
	PublishModelOpen        = "open"
)

// 最后条目发送策略
const (
	SendLastNever         = "never"
	SendLastOnSub         = "on_sub"
	SendLastOnSubPresence = "on_sub_and_presence"
)

// NodeOptions 是节点配置。字段与 pubsub#<key> 表单变量一一对应
type NodeOptions struct {
	DeliverPayloads       bool     `bson:"deliver_payloads"`
	DeliverNotifications  bool     `bson:"deliver_notifications"`
	NotifyConfig          bool     `bson:"notify_config"`
	NotifyDelete          bool     `bson:"notify_delete"`
	NotifyRetract         bool     `bson:"notify_retract"`
	NotifySub             bool     `bson:"notify_sub"`
	PersistItems          bool     `bson:"persist_items"`
	MaxItems              int      `bson:"max_items"`
	Subscribe             bool     `bson:"subscribe"`
	AccessModel           string   `bson:"access_model"`
	RosterGroupsAllowed   []string `bson:"roster_groups_allowed"`
	PublishModel          string   `bson:"publish_model"`
	PurgeOffline          bool     `bson:"purge_offline"`
	NotificationType      string   `bson:"notification_type"`
	MaxPayloadSize        int      `bson:"max_payload_size"`
	SendLastPublishedItem string   `bson:"send_last_published_item"`
	PresenceBasedDelivery bool     `bson:"presence_based_delivery"`
	Collection            []string `bson:"collection"`
	Type                  string   `bson:"payload_type"`
	Title                 string   `bson:"title"`
	BodyXSLT              string   `bson:"body_xslt"`
}

const optionPrefix = "pubsub#"

var validAccessModels = map[string]bool{
	AccessOpen: true, AccessPresence: true, AccessRoster: true,
	AccessAuthorize: true, AccessWhitelist: true,
}

var validPublishModels = map[string]bool{
	PublishModelPublishers: true, PublishModelSubscribers: true, PublishModelOpen: true,
}

// ApplyForm 把提交表单合并到现有选项上。未知字段忽略，
// 非法取值返回错误（映射为not-acceptable）
func (o *NodeOptions) ApplyForm(form *stanza.Form) error {
	if form == nil {
		return nil
	}
	for _, field := range form.Fields {
		name := strings.TrimPrefix(field.Var, optionPrefix)
		if name == field.Var && field.Var != "FORM_TYPE" {
			continue
		}
		switch name {
		case "deliver_payloads":
			o.DeliverPayloads = field.Bool()
		case "deliver_notifications":
			o.DeliverNotifications = field.Bool()
		case "notify_config":
			o.NotifyConfig = field.Bool()
		case "notify_delete":
			o.NotifyDelete = field.Bool()
		case "notify_retract":
			o.NotifyRetract = field.Bool()
		case "notify_sub":
			o.NotifySub = field.Bool()
		case "persist_items":
			o.PersistItems = field.Bool()
		case "max_items":
			n, ok := field.Int()
			if !ok || n < 0 {
				return fmt.Errorf("invalid max_items value %q", field.Value())
			}
			o.MaxItems = n
		case "subscribe":
			o.Subscribe = field.Bool()
		case "access_model":
			if !validAccessModels[field.Value()] {
				return fmt.Errorf("invalid access_model value %q", field.Value())
			}
			o.AccessModel = field.Value()
		case "roster_groups_allowed":
			o.RosterGroupsAllowed = append([]string(nil), field.Values...)
		case "publish_model":
			if !validPublishModels[field.Value()] {
				return fmt.Errorf("invalid publish_model value %q", field.Value())
			}
			o.PublishModel = field.Value()
		case "purge_offline":
			o.PurgeOffline = field.Bool()
		case "notification_type":
			if v := field.Value(); v != stanza.TypeHeadline && v != stanza.TypeNormal {
				return fmt.Errorf("invalid notification_type value %q", v)
			}
			o.NotificationType = field.Value()
		case "max_payload_size":
			n, ok := field.Int()
			if !ok || n < 0 {
				return fmt.Errorf("invalid max_payload_size value %q", field.Value())
			}
			o.MaxPayloadSize = n
		case "send_last_published_item":
			switch field.Value() {
			case SendLastNever, SendLastOnSub, SendLastOnSubPresence:
				o.SendLastPublishedItem = field.Value()
			default:
				return fmt.Errorf("invalid send_last_published_item value %q", field.Value())
			}
		case "presence_based_delivery":
			o.PresenceBasedDelivery = field.Bool()
		case "collection":
			o.Collection = append([]string(nil), field.Values...)
		case "type":
			o.Type = field.Value()
		case "title":
			o.Title = field.Value()
		case "body_xslt":
			o.BodyXSLT = field.Value()
		}
	}
	return nil
}

// Form 把选项序列化为配置表单
func (o *NodeOptions) Form(formType string) *stanza.Form {
	f := &stanza.Form{Type: formType}
	f.AddField(stanza.FormField{Var: "FORM_TYPE", Type: "hidden", Values: []string{stanza.NSPubSub + "#node_config"}})
	addBool := func(name string, v bool) {
		f.AddField(stanza.FormField{Var: optionPrefix + name, Type: "boolean", Values: []string{stanza.BoolFieldValue(v)}})
	}
	addText := func(name, v string) {
		f.AddField(stanza.FormField{Var: optionPrefix + name, Type: "text-single", Values: []string{v}})
	}
	addBool("deliver_payloads", o.DeliverPayloads)
	addBool("deliver_notifications", o.DeliverNotifications)
	addBool("notify_config", o.NotifyConfig)
	addBool("notify_delete", o.NotifyDelete)
	addBool("notify_retract", o.NotifyRetract)
	addBool("notify_sub", o.NotifySub)
	addBool("persist_items", o.PersistItems)
	addText("max_items", fmt.Sprintf("%d", o.MaxItems))
	addBool("subscribe", o.Subscribe)
	f.AddField(stanza.FormField{
		Var: optionPrefix + "access_model", Type: "list-single",
		Values:  []string{o.AccessModel},
		Options: []string{AccessOpen, AccessPresence, AccessRoster, AccessAuthorize, AccessWhitelist},
	})
	f.AddField(stanza.FormField{
		Var: optionPrefix + "roster_groups_allowed", Type: "list-multi",
		Values: o.RosterGroupsAllowed,
	})
	f.AddField(stanza.FormField{
		Var: optionPrefix + "publish_model", Type: "list-single",
		Values:  []string{o.PublishModel},
		Options: []string{PublishModelPublishers, PublishModelSubscribers, PublishModelOpen},
	})
	addBool("purge_offline", o.PurgeOffline)
	f.AddField(stanza.FormField{
		Var: optionPrefix + "notification_type", Type: "list-single",
		Values:  []string{o.NotificationType},
		Options: []string{stanza.TypeHeadline, stanza.TypeNormal},
	})
	addText("max_payload_size", fmt.Sprintf("%d", o.MaxPayloadSize))
	f.AddField(stanza.FormField{
		Var: optionPrefix + "send_last_published_item", Type: "list-single",
		Values:  []string{o.SendLastPublishedItem},
		Options: []string{SendLastNever, SendLastOnSub, SendLastOnSubPresence},
	})
	addBool("presence_based_delivery", o.PresenceBasedDelivery)
	f.AddField(stanza.FormField{Var: optionPrefix + "collection", Type: "text-multi", Values: o.Collection})
	addText("type", o.Type)
	addText("title", o.Title)
	addText("body_xslt", o.BodyXSLT)
	return f
}

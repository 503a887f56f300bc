package stanza

import "encoding/xml"

// XMPP命名空间常量
const (
	NSServer       = "jabber:server"
	NSClient       = "jabber:client"
	NSDialback     = "jabber:server:dialback"
	NSStream       = "http://etherx.jabber.org/streams"
	NSTLS          = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL         = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSStanzaError  = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSStreamError  = "urn:ietf:params:xml:ns:xmpp-streams"
	NSDataForms    = "jabber:x:data"
	NSSHIM         = "http://jabber.org/protocol/shim"
	NSAddress      = "http://jabber.org/protocol/address"
	NSDiscoInfo    = "http://jabber.org/protocol/disco#info"
	NSDiscoItems   = "http://jabber.org/protocol/disco#items"
	NSPubSub       = "http://jabber.org/protocol/pubsub"
	NSPubSubOwner  = "http://jabber.org/protocol/pubsub#owner"
	NSPubSubEvent  = "http://jabber.org/protocol/pubsub#event"
	NSPubSubErrors = "http://jabber.org/protocol/pubsub#errors"
)

// 节类型常量
const (
	TypeError     = "error"
	TypeResult    = "result"
	TypeGet       = "get"
	TypeSet       = "set"
	TypeHeadline  = "headline"
	TypeNormal    = "normal"
	TypeChat      = "chat"
	TypeAvailable = ""
	TypeUnavail   = "unavailable"
)

// IsStanza 判断元素名是否为三种顶层节之一
func IsStanza(e *Element) bool {
	switch e.Name {
	case "message", "presence", "iq":
		return true
	}
	return false
}

func NewMessage(from, to, msgType string) *Element {
	m := New("message")
	m.SetAttr("from", from)
	m.SetAttr("to", to)
	if msgType != "" {
		m.SetAttr("type", msgType)
	}
	return m
}

func NewIQ(from, to, iqType, id string) *Element {
	iq := New("iq")
	iq.SetAttr("from", from)
	iq.SetAttr("to", to)
	iq.SetAttr("type", iqType)
	iq.SetAttr("id", id)
	return iq
}

// ResultIQ 构造一个针对请求IQ的result回复，from/to互换
func ResultIQ(request *Element, payload *Element) *Element {
	iq := New("iq")
	iq.SetAttr("from", request.Attr("to"))
	iq.SetAttr("to", request.Attr("from"))
	iq.SetAttr("type", TypeResult)
	iq.SetAttr("id", request.Attr("id"))
	if payload != nil {
		iq.AppendChild(payload)
	}
	return iq
}

func NewPresence(from, to, presenceType string) *Element {
	p := New("presence")
	p.SetAttr("from", from)
	p.SetAttr("to", to)
	if presenceType != "" {
		p.SetAttr("type", presenceType)
	}
	return p
}

// Parse 从字节流解析单个元素
func Parse(data []byte) (*Element, error) {
	var e Element
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

package stanza

// SHIMHeaders 构造通知消息所携带的SHIM头部：一个Collection头
// 加上每个订阅标识一个SubId头
func SHIMHeaders(collection string, subIDs []string) *Element {
	headers := NewNS("headers", NSSHIM)
	if collection != "" {
		h := New("header")
		h.SetAttr("name", "Collection")
		h.SetText(collection)
		headers.AppendChild(h)
	}
	for _, subID := range subIDs {
		h := New("header")
		h.SetAttr("name", "SubId")
		h.SetText(subID)
		headers.AppendChild(h)
	}
	return headers
}

// ReplyToAddress 构造PEP通知的扩展寻址元素，指向发布者的完整JID
func ReplyToAddress(fullJID string) *Element {
	addresses := NewNS("addresses", NSAddress)
	addr := New("address")
	addr.SetAttr("type", "replyto")
	addr.SetAttr("jid", fullJID)
	addresses.AppendChild(addr)
	return addresses
}

package stanza

import (
	"encoding/xml"
	"fmt"
)

// 流级错误条件
const (
	StreamErrInvalidNamespace = "invalid-namespace"
	StreamErrNotWellFormed    = "xml-not-well-formed"
	StreamErrBadFormat        = "bad-format"
)

// StreamHeader 构造服务器到服务器流的起始标签文本。
// version为true时声明version="1.0"
func StreamHeader(from, to, streamID string, version bool) string {
	header := fmt.Sprintf(
		`<stream:stream xmlns:stream=%q xmlns=%q xmlns:db=%q from=%q to=%q`,
		NSStream, NSServer, NSDialback, from, to,
	)
	if streamID != "" {
		header += fmt.Sprintf(" id=%q", streamID)
	}
	if version {
		header += ` version="1.0"`
	}
	return header + ">"
}

// StreamError 构造流错误元素文本
func StreamError(condition string) string {
	return fmt.Sprintf(`<stream:error><%s xmlns=%q/></stream:error>`, condition, NSStreamError)
}

// StreamClose 返回流关闭标签
func StreamClose() string {
	return "</stream:stream>"
}

// StreamAttrs 描述对端流起始标签上的关键属性
type StreamAttrs struct {
	Namespace string
	From      string
	To        string
	ID        string
	Version   string
	Dialback  bool
}

// ParseStreamAttrs 从起始标签属性中提取流参数
func ParseStreamAttrs(attrs []xml.Attr) StreamAttrs {
	var sa StreamAttrs
	for _, a := range attrs {
		switch {
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			sa.Namespace = a.Value
		case a.Name.Space == "xmlns" && a.Value == NSDialback:
			sa.Dialback = true
		case a.Name.Local == "from":
			sa.From = a.Value
		case a.Name.Local == "to":
			sa.To = a.Value
		case a.Name.Local == "id":
			sa.ID = a.Value
		case a.Name.Local == "version":
			sa.Version = a.Value
		}
	}
	return sa
}

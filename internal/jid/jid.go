// Package jid 实现了XMPP地址（JID）的解析与规范化
package jid

import (
	"errors"
	"strings"
)

// JID 表示一个 node@domain/resource 形式的XMPP地址
type JID struct {
	Node     string
	Domain   string
	Resource string
}

var ErrEmptyDomain = errors.New("jid domain is empty")

// Parse 解析JID字符串，node与domain部分转为小写
func Parse(s string) (JID, error) {
	var j JID

	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		j.Resource = s[slash+1:]
		s = s[:slash]
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		j.Node = strings.ToLower(s[:at])
		s = s[at+1:]
	}
	j.Domain = strings.ToLower(s)

	if j.Domain == "" {
		return JID{}, ErrEmptyDomain
	}
	return j, nil
}

// Bare 返回去掉resource部分的JID
func (j JID) Bare() JID {
	return JID{Node: j.Node, Domain: j.Domain}
}

func (j JID) IsBare() bool {
	return j.Resource == ""
}

func (j JID) IsFull() bool {
	return j.Resource != ""
}

// IsDomain 判断JID是否只有domain部分
func (j JID) IsDomain() bool {
	return j.Node == "" && j.Resource == ""
}

func (j JID) String() string {
	var sb strings.Builder
	if j.Node != "" {
		sb.WriteString(j.Node)
		sb.WriteByte('@')
	}
	sb.WriteString(j.Domain)
	if j.Resource != "" {
		sb.WriteByte('/')
		sb.WriteString(j.Resource)
	}
	return sb.String()
}

// Equal 比较两个JID是否完全相同
func (j JID) Equal(other JID) bool {
	return j.Node == other.Node && j.Domain == other.Domain && j.Resource == other.Resource
}

package pubsub

import "github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"

// Error 携带要回给请求方的节错误条件，能力类错误附带
// unsupported扩展的能力名
type Error struct {
	Cond     stanza.ErrorCondition
	Feature  string
	Extended string // pubsub#errors 扩展条件名
}

func (e *Error) Error() string {
	return e.Cond.Name
}

func errOf(cond stanza.ErrorCondition) *Error {
	return &Error{Cond: cond}
}

func errExtended(cond stanza.ErrorCondition, extended string) *Error {
	return &Error{Cond: cond, Extended: extended}
}

func errUnsupported(feature string) *Error {
	return &Error{Cond: stanza.ErrFeatureNotImplemented, Feature: feature}
}

// Reply 针对请求节合成错误回复
func (e *Error) Reply(request *stanza.Element) *stanza.Element {
	if e.Feature != "" {
		return stanza.ErrUnsupported(request, e.Feature)
	}
	if e.Extended != "" {
		return stanza.ErrorOfExtended(request, e.Cond, stanza.NewNS(e.Extended, stanza.NSPubSubErrors))
	}
	return stanza.ErrorOf(request, e.Cond)
}

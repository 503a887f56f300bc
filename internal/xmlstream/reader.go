// Package xmlstream 将字节流分帧为XML流事件
package xmlstream

import (
	"encoding/xml"
	"errors"
	"io"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

type EventType int

const (
	// EventStreamStart 流起始标签已收到
	EventStreamStart EventType = iota
	// EventElement 收到一个完整的一级子元素
	EventElement
	// EventStreamEnd 对端关闭了流
	EventStreamEnd
)

type Event struct {
	Type    EventType
	Attrs   []xml.Attr
	Element *stanza.Element
}

var ErrNotWellFormed = errors.New("stream is not well formed")

// Reader 从底层连接解码流事件。STARTTLS或SASL成功后
// 必须调用Reset重新开始解析
type Reader struct {
	dec     *xml.Decoder
	started bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: xml.NewDecoder(r)}
}

// Reset 丢弃当前解析状态，对新的字节流重新解析
func (r *Reader) Reset(src io.Reader) {
	r.dec = xml.NewDecoder(src)
	r.started = false
}

// Next 阻塞直到下一个流事件。io.EOF表示连接关闭
func (r *Reader) Next() (Event, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Event{}, io.EOF
			}
			var syntaxErr *xml.SyntaxError
			if errors.As(err, &syntaxErr) {
				// 未闭合的流在连接关闭时以 "unexpected EOF" 语法错误报告
				if syntaxErr.Msg == "unexpected EOF" {
					return Event{}, io.EOF
				}
				return Event{}, ErrNotWellFormed
			}
			return Event{}, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !r.started {
				if t.Name.Local != "stream" {
					return Event{}, ErrNotWellFormed
				}
				r.started = true
				attrs := make([]xml.Attr, len(t.Attr))
				copy(attrs, t.Attr)
				return Event{Type: EventStreamStart, Attrs: attrs}, nil
			}
			el := &stanza.Element{}
			if err := el.UnmarshalXML(r.dec, t); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return Event{}, io.EOF
				}
				var syntaxErr *xml.SyntaxError
				if errors.As(err, &syntaxErr) && syntaxErr.Msg == "unexpected EOF" {
					return Event{}, io.EOF
				}
				return Event{}, ErrNotWellFormed
			}
			return Event{Type: EventElement, Element: el}, nil
		case xml.EndElement:
			// 只有流关闭标签会以EndElement形式到达这里
			return Event{Type: EventStreamEnd}, nil
		default:
			// 忽略顶层的空白字符与处理指令
		}
	}
}

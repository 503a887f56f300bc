// Package stanza 实现了XMPP节（stanza）的通用XML元素模型
package stanza

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Element 表示一个通用XML元素，节与其负载都用它表示
type Element struct {
	Space    string // 解析时得到的命名空间URI
	Name     string
	Attrs    []xml.Attr
	Children []*Element
	Text     string
}

func New(name string) *Element {
	return &Element{Name: name}
}

func NewNS(name, namespace string) *Element {
	e := &Element{Name: name, Space: namespace}
	e.SetAttr("xmlns", namespace)
	return e
}

// Attr 返回指定属性值，不存在时返回空串
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (e *Element) SetAttr(name, value string) {
	for i, a := range e.Attrs {
		if a.Name.Local == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

func (e *Element) RemoveAttr(name string) {
	for i, a := range e.Attrs {
		if a.Name.Local == name {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return
		}
	}
}

// Namespace 返回元素命名空间，优先使用解析得到的Space
func (e *Element) Namespace() string {
	if e.Space != "" {
		return e.Space
	}
	return e.Attr("xmlns")
}

// Child 返回第一个同名子元素
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildNS 返回第一个同名且命名空间匹配的子元素
func (e *Element) ChildNS(name, namespace string) *Element {
	for _, c := range e.Children {
		if c.Name == name && c.Namespace() == namespace {
			return c
		}
	}
	return nil
}

func (e *Element) ChildrenNamed(name string) []*Element {
	var result []*Element
	for _, c := range e.Children {
		if c.Name == name {
			result = append(result, c)
		}
	}
	return result
}

func (e *Element) AppendChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return e
}

func (e *Element) AppendChildren(cs []*Element) *Element {
	e.Children = append(e.Children, cs...)
	return e
}

func (e *Element) SetText(s string) *Element {
	e.Text = s
	return e
}

// Copy 深拷贝元素树
func (e *Element) Copy() *Element {
	cp := &Element{Space: e.Space, Name: e.Name, Text: e.Text}
	cp.Attrs = make([]xml.Attr, len(e.Attrs))
	copy(cp.Attrs, e.Attrs)
	for _, c := range e.Children {
		cp.Children = append(cp.Children, c.Copy())
	}
	return cp
}

// MarshalXML 实现xml.Marshaler
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: e.Name}}
	for _, a := range e.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := c.MarshalXML(enc, xml.StartElement{}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

// UnmarshalXML 实现xml.Unmarshaler
func (e *Element) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	e.Name = start.Name.Local
	e.Space = start.Name.Space
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" {
			// 保留前缀声明，属性名记为 xmlns:prefix
			e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: "xmlns:" + a.Name.Local}, Value: a.Value})
			continue
		}
		e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &Element{}
			if err := child.UnmarshalXML(dec, t); err != nil {
				return err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			e.Text += string(t)
		case xml.EndElement:
			e.Text = strings.TrimSpace(e.Text)
			return nil
		}
	}
}

// String 序列化为XML文本
func (e *Element) String() string {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	_ = e.MarshalXML(enc, xml.StartElement{})
	_ = enc.Flush()
	return buf.String()
}

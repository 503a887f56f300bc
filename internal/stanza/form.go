package stanza

import "strconv"

// XEP-0004 数据表单

const (
	FormTypeForm   = "form"
	FormTypeSubmit = "submit"
	FormTypeCancel = "cancel"
	FormTypeResult = "result"
)

type FormField struct {
	Var     string
	Type    string
	Label   string
	Values  []string
	Options []string
}

type Form struct {
	Type   string
	Title  string
	Fields []FormField
}

func (f *Form) Field(name string) *FormField {
	for i := range f.Fields {
		if f.Fields[i].Var == name {
			return &f.Fields[i]
		}
	}
	return nil
}

func (f *Form) AddField(field FormField) {
	f.Fields = append(f.Fields, field)
}

// Element 将表单序列化为 <x xmlns='jabber:x:data'/> 元素
func (f *Form) Element() *Element {
	x := NewNS("x", NSDataForms)
	x.SetAttr("type", f.Type)
	if f.Title != "" {
		x.AppendChild(New("title").SetText(f.Title))
	}
	for _, field := range f.Fields {
		fe := New("field")
		fe.SetAttr("var", field.Var)
		if field.Type != "" {
			fe.SetAttr("type", field.Type)
		}
		if field.Label != "" {
			fe.SetAttr("label", field.Label)
		}
		for _, v := range field.Values {
			fe.AppendChild(New("value").SetText(v))
		}
		for _, o := range field.Options {
			fe.AppendChild(New("option").AppendChild(New("value").SetText(o)))
		}
		x.AppendChild(fe)
	}
	return x
}

// ParseForm 从 <x xmlns='jabber:x:data'/> 元素解析表单
func ParseForm(el *Element) *Form {
	if el == nil {
		return nil
	}
	f := &Form{Type: el.Attr("type")}
	if title := el.Child("title"); title != nil {
		f.Title = title.Text
	}
	for _, fe := range el.ChildrenNamed("field") {
		field := FormField{
			Var:   fe.Attr("var"),
			Type:  fe.Attr("type"),
			Label: fe.Attr("label"),
		}
		for _, v := range fe.ChildrenNamed("value") {
			field.Values = append(field.Values, v.Text)
		}
		for _, o := range fe.ChildrenNamed("option") {
			if v := o.Child("value"); v != nil {
				field.Options = append(field.Options, v.Text)
			}
		}
		f.Fields = append(f.Fields, field)
	}
	return f
}

// Bool 按XEP-0004规则解释布尔字段值
func (f *FormField) Bool() bool {
	if len(f.Values) == 0 {
		return false
	}
	return f.Values[0] == "1" || f.Values[0] == "true"
}

func (f *FormField) Int() (int, bool) {
	if len(f.Values) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(f.Values[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (f *FormField) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

func BoolFieldValue(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

package stanza

import (
	"strings"
	"testing"
)

func TestParseElement(t *testing.T) {
	data := []byte(`<message from="a@a.example" to="b@b.example" type="headline"><event xmlns="http://jabber.org/protocol/pubsub#event"><items node="/tests"><item id="x1"><payload xmlns="urn:test">hi</payload></item></items></event></message>`)

	el, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: unexpected error %v", err)
	}
	if el.Name != "message" {
		t.Fatalf("expected message element, got %s", el.Name)
	}
	if el.Attr("type") != "headline" {
		t.Errorf("expected type headline, got %s", el.Attr("type"))
	}
	event := el.ChildNS("event", NSPubSubEvent)
	if event == nil {
		t.Fatal("event child with pubsub#event namespace not found")
	}
	items := event.Child("items")
	if items == nil || items.Attr("node") != "/tests" {
		t.Fatal("items child with node attribute not found")
	}
	item := items.Child("item")
	if item == nil || item.Attr("id") != "x1" {
		t.Fatal("item child not found")
	}
	if payload := item.Child("payload"); payload == nil || payload.Text != "hi" {
		t.Fatal("payload text lost in parse")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	m := NewMessage("pubsub.a.example", "sub@b.example", TypeHeadline)
	m.AppendChild(SHIMHeaders("/tests", []string{"sub-1", "sub-2"}))

	out := m.String()
	if !strings.Contains(out, `name="Collection"`) {
		t.Errorf("Collection SHIM header missing: %s", out)
	}
	if strings.Count(out, `name="SubId"`) != 2 {
		t.Errorf("expected two SubId headers: %s", out)
	}

	parsed, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if parsed.ChildNS("headers", NSSHIM) == nil {
		t.Error("headers element lost namespace on round trip")
	}
}

func TestErrorOf(t *testing.T) {
	iq := NewIQ("sub@b.example/desk", "pubsub.a.example", TypeSet, "id1")
	iq.AppendChild(NewNS("pubsub", NSPubSub))

	reply := ErrorOf(iq, ErrForbidden)
	if reply.Attr("from") != "pubsub.a.example" || reply.Attr("to") != "sub@b.example/desk" {
		t.Error("error reply must swap from and to")
	}
	if reply.Attr("type") != TypeError {
		t.Error("error reply must carry type=error")
	}
	errEl := reply.Child("error")
	if errEl == nil {
		t.Fatal("error element missing")
	}
	if errEl.Attr("type") != "auth" || errEl.ChildNS("forbidden", NSStanzaError) == nil {
		t.Errorf("unexpected error element: %s", errEl.String())
	}
	if reply.ChildNS("pubsub", NSPubSub) == nil {
		t.Error("original payload must be preserved in error reply")
	}
}

func TestErrUnsupported(t *testing.T) {
	iq := NewIQ("a@a.example", "pubsub.a.example", TypeSet, "id2")
	reply := ErrUnsupported(iq, "purge-nodes")
	errEl := reply.Child("error")
	if errEl == nil {
		t.Fatal("error element missing")
	}
	unsupported := errEl.ChildNS("unsupported", NSPubSubErrors)
	if unsupported == nil || unsupported.Attr("feature") != "purge-nodes" {
		t.Errorf("unsupported child wrong: %s", errEl.String())
	}
}

func TestFormRoundTrip(t *testing.T) {
	f := &Form{Type: FormTypeSubmit}
	f.AddField(FormField{Var: "pubsub#access_model", Values: []string{"whitelist"}})
	f.AddField(FormField{Var: "pubsub#max_items", Values: []string{"5"}})
	f.AddField(FormField{Var: "pubsub#persist_items", Values: []string{"1"}})

	parsed := ParseForm(f.Element())
	if parsed.Type != FormTypeSubmit {
		t.Errorf("form type lost, got %s", parsed.Type)
	}
	if parsed.Field("pubsub#access_model").Value() != "whitelist" {
		t.Error("access_model value lost")
	}
	if n, ok := parsed.Field("pubsub#max_items").Int(); !ok || n != 5 {
		t.Error("max_items int value lost")
	}
	if !parsed.Field("pubsub#persist_items").Bool() {
		t.Error("persist_items bool value lost")
	}
}

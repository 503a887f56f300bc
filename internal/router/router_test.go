package router

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

type fakeRemote struct {
	sent []struct {
		local, remote string
		el            *stanza.Element
	}
}

func (f *fakeRemote) Send(local, remote string, el *stanza.Element) error {
	f.sent = append(f.sent, struct {
		local, remote string
		el            *stanza.Element
	}{local, remote, el})
	return nil
}

func TestRouteLocal(t *testing.T) {
	remote := &fakeRemote{}
	rt := New([]string{"a.example"}, remote)

	var handled []*stanza.Element
	rt.RegisterDomain("pubsub.a.example", LocalHandlerFunc(func(el *stanza.Element) {
		handled = append(handled, el)
	}))

	rt.Route(stanza.NewMessage("user@a.example/desk", "pubsub.a.example", ""))
	if len(handled) != 1 {
		t.Fatalf("expected local delivery, got %d", len(handled))
	}
	if len(remote.sent) != 0 {
		t.Fatal("local stanza must not reach the outgoing path")
	}
}

func TestRouteRemote(t *testing.T) {
	remote := &fakeRemote{}
	rt := New([]string{"a.example"}, remote)

	rt.Route(stanza.NewMessage("user@a.example/desk", "peer@b.example", ""))
	if len(remote.sent) != 1 {
		t.Fatalf("expected outgoing delivery, got %d", len(remote.sent))
	}
	if remote.sent[0].local != "a.example" || remote.sent[0].remote != "b.example" {
		t.Errorf("pair wrong: %s -> %s", remote.sent[0].local, remote.sent[0].remote)
	}
}

func TestRouteFallbackHandler(t *testing.T) {
	remote := &fakeRemote{}
	rt := New([]string{"a.example"}, remote)

	var handled int
	rt.SetFallbackHandler(LocalHandlerFunc(func(*stanza.Element) { handled++ }))

	rt.Route(stanza.NewMessage("peer@b.example", "user@a.example", ""))
	if handled != 1 {
		t.Fatalf("expected fallback delivery, got %d", handled)
	}
}

func TestRouteDropsUnroutable(t *testing.T) {
	remote := &fakeRemote{}
	rt := New([]string{"a.example"}, remote)

	msg := stanza.New("message") // 无to属性
	rt.Route(msg)
	if len(remote.sent) != 0 {
		t.Fatal("stanza without destination must be dropped")
	}
}

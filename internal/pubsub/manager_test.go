package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/presence"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

func testManager(t *testing.T) (*Manager, *routeCapture, *fakeRoster) {
	t.Helper()
	rc := &routeCapture{}
	roster := &fakeRoster{presenceSubs: make(map[string]bool), groups: make(map[string][]string)}
	m := NewManager(ServiceConfig{LastItemCache: true}, NewMemoryStore(), rc.route, roster, presence.NewTracker())
	t.Cleanup(m.Stop)
	return m, rc, roster
}

// waitFor 轮询直到条件满足或超时
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPEPPresenceSendsLastItemOnce(t *testing.T) {
	m, rc, roster := testManager(t)
	user := mustJID(t, "user@a.example/home")
	contact := mustJID(t, "contact@b.example/phone")
	ctx := context.Background()

	roster.presenceSubs["user@a.example|contact@b.example"] = true

	svc := m.Service("user@a.example")
	if !svc.pep {
		t.Fatal("bare JID host must run as PEP service")
	}

	if _, serr := svc.CreateNode(ctx, user, "urn:tune", "pep", nil); serr != nil {
		t.Fatalf("create pep node: %v", serr)
	}
	if _, serr := svc.PublishItem(ctx, user, "urn:tune", "t1", payloadElement("song")); serr != nil {
		t.Fatalf("publish: %v", serr)
	}

	m.ContactAvailable(user, contact, presence.ShowOnline)
	waitFor(t, func() bool {
		return len(rc.messagesTo("contact@b.example/phone")) == 1
	}, "last item push")

	msg := rc.messagesTo("contact@b.example/phone")[0]
	// PEP通知的发件人是发布者bare JID
	if msg.Attr("from") != "user@a.example" {
		t.Errorf("PEP sender must be publisher bare JID, got %s", msg.Attr("from"))
	}
	item := msg.ChildNS("event", stanza.NSPubSubEvent).Child("items").Child("item")
	if item == nil || item.Attr("id") != "t1" {
		t.Fatalf("last item push wrong: %s", msg.String())
	}

	// 同一资源再次上线通告不再重推
	m.ContactAvailable(user, contact, presence.ShowOnline)
	time.Sleep(100 * time.Millisecond)
	if n := len(rc.messagesTo("contact@b.example/phone")); n != 1 {
		t.Fatalf("last item must be pushed exactly once per resource, got %d", n)
	}

	// 资源下线后重新上线会再推一次
	m.ContactUnavailable(contact)
	m.ContactAvailable(user, contact, presence.ShowOnline)
	waitFor(t, func() bool {
		return len(rc.messagesTo("contact@b.example/phone")) == 2
	}, "re-push after reconnect")
}

func TestPurgeOfflineRetractsAuthoredItems(t *testing.T) {
	m, rc, _ := testManager(t)
	owner := mustJID(t, "owner@a.example/desk")
	publisher := mustJID(t, "pub@a.example/desk")
	sub := mustJID(t, "sub@b.example/desk")
	ctx := context.Background()

	svc := m.Service("pubsub.a.example")
	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#purge_offline", Values: []string{"1"}})
	form.AddField(stanza.FormField{Var: "pubsub#publish_model", Values: []string{"open"}})
	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", form); serr != nil {
		t.Fatalf("create: %v", serr)
	}
	if _, serr := svc.SubscribeNode(ctx, sub, sub, "/tests", nil); serr != nil {
		t.Fatalf("subscribe: %v", serr)
	}

	m.presences.SetPresence(publisher, presence.ShowOnline)
	if _, serr := svc.PublishItem(ctx, publisher, "/tests", "mine", payloadElement("v")); serr != nil {
		t.Fatalf("publish mine: %v", serr)
	}
	if _, serr := svc.PublishItem(ctx, owner, "/tests", "others", payloadElement("v")); serr != nil {
		t.Fatalf("publish others: %v", serr)
	}

	rc.clear()
	m.ContactUnavailable(publisher)

	node := svc.mustNode(t, "/tests")
	waitFor(t, func() bool {
		items, _ := svc.store.FetchItems(context.Background(), node.Idx)
		return len(items) == 1
	}, "authored item purge")

	items, _ := svc.store.FetchItems(ctx, node.Idx)
	if items[0].ID != "others" {
		t.Fatalf("only the offline publisher's items may be purged, left %v", ids(items))
	}

	waitFor(t, func() bool {
		for _, msg := range rc.messagesTo("sub@b.example") {
			event := msg.ChildNS("event", stanza.NSPubSubEvent)
			if event == nil {
				continue
			}
			if itemsEl := event.Child("items"); itemsEl != nil {
				if retract := itemsEl.Child("retract"); retract != nil && retract.Attr("id") == "mine" {
					return true
				}
			}
		}
		return false
	}, "retract broadcast")
}

func TestRemoveUserDeletesSolelyOwnedNodes(t *testing.T) {
	m, _, _ := testManager(t)
	owner := mustJID(t, "gone@a.example/desk")
	keeper := mustJID(t, "keeper@a.example/desk")
	ctx := context.Background()

	svc := m.Service("pubsub.a.example")
	if _, serr := svc.CreateNode(ctx, owner, "/solo", "flat", nil); serr != nil {
		t.Fatalf("create solo: %v", serr)
	}
	if _, serr := svc.CreateNode(ctx, owner, "/shared", "flat", nil); serr != nil {
		t.Fatalf("create shared: %v", serr)
	}
	if serr := svc.SetAffiliations(ctx, owner, "/shared", map[string]Affiliation{
		"keeper@a.example": AffiliationOwner,
	}); serr != nil {
		t.Fatalf("add second owner: %v", serr)
	}
	_ = keeper

	m.RemoveUser(owner)

	waitFor(t, func() bool {
		_, err := svc.store.FetchNode(context.Background(), svc.host, "/solo")
		return err != nil
	}, "solely-owned node deletion")

	shared, err := svc.store.FetchNode(ctx, svc.host, "/shared")
	if err != nil {
		t.Fatal("co-owned node must survive user removal")
	}
	if containsString(shared.Owners, "gone@a.example") {
		t.Error("removed user must be dropped from owner set")
	}
}

func TestServiceQueueSerialises(t *testing.T) {
	m, _, _ := testManager(t)
	svc := m.Service("pubsub.a.example")

	results := make(chan int, 2)
	svc.Enqueue(func() {
		time.Sleep(50 * time.Millisecond)
		results <- 1
	})
	svc.Enqueue(func() { results <- 2 })

	if first := <-results; first != 1 {
		t.Fatal("queued work must run in order")
	}
	if second := <-results; second != 2 {
		t.Fatal("queued work must run in order")
	}
}

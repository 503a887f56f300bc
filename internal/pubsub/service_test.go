package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/presence"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

type routeCapture struct {
	mu   sync.Mutex
	msgs []*stanza.Element
}

func (rc *routeCapture) route(el *stanza.Element) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.msgs = append(rc.msgs, el)
}

func (rc *routeCapture) all() []*stanza.Element {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]*stanza.Element(nil), rc.msgs...)
}

func (rc *routeCapture) clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.msgs = nil
}

func (rc *routeCapture) messagesTo(to string) []*stanza.Element {
	var out []*stanza.Element
	for _, m := range rc.all() {
		if m.Name == "message" && m.Attr("to") == to {
			out = append(out, m)
		}
	}
	return out
}

type fakeRoster struct {
	presenceSubs map[string]bool     // "owner|contact"
	groups       map[string][]string // "owner|contact" -> groups
}

func (r *fakeRoster) HasPresenceSubscription(owner, contact jid.JID) bool {
	return r.presenceSubs[owner.Bare().String()+"|"+contact.Bare().String()]
}

func (r *fakeRoster) InAllowedGroups(owner, contact jid.JID, allowed []string) bool {
	for _, g := range r.groups[owner.Bare().String()+"|"+contact.Bare().String()] {
		for _, a := range allowed {
			if g == a {
				return true
			}
		}
	}
	return false
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%s): %v", s, err)
	}
	return j
}

func testService(t *testing.T) (*Service, *routeCapture, *presence.Tracker, *fakeRoster) {
	t.Helper()
	rc := &routeCapture{}
	tracker := presence.NewTracker()
	roster := &fakeRoster{presenceSubs: make(map[string]bool), groups: make(map[string][]string)}
	cfg := ServiceConfig{LastItemCache: true}
	svc := NewService("pubsub.a.example", false, cfg, NewMemoryStore(), rc.route, roster, presenceAdapter{t: tracker})
	t.Cleanup(svc.Stop)
	return svc, rc, tracker, roster
}

func payloadElement(text string) *stanza.Element {
	p := stanza.NewNS("entry", "urn:test:payload")
	p.SetText(text)
	return p
}

func TestCreateNodeAndConflict(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	ctx := context.Background()

	path, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil)
	if serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}
	if path != "/tests" {
		t.Fatalf("expected path /tests, got %s", path)
	}

	node, err := svc.store.FetchNode(ctx, svc.host, "/tests")
	if err != nil {
		t.Fatalf("node not stored: %v", err)
	}
	if node.Idx == 0 {
		t.Error("node must get a nonzero index")
	}
	if len(node.Owners) != 1 || node.Owners[0] != "owner@a.example" {
		t.Errorf("owner set wrong: %v", node.Owners)
	}

	rec, err := svc.store.FetchState(ctx, "owner@a.example", node.Idx)
	if err != nil || rec.Affiliation != AffiliationOwner {
		t.Error("creator must get owner affiliation")
	}

	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil); serr == nil || serr.Cond != stanza.ErrConflict {
		t.Errorf("duplicate create must yield conflict, got %v", serr)
	}
}

func TestInstantNodeGeneratesPath(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")

	path, serr := svc.CreateNode(context.Background(), owner, "", "flat", nil)
	if serr != nil {
		t.Fatalf("instant node create failed: %v", serr)
	}
	if path == "" {
		t.Fatal("instant node must generate a path")
	}
}

func TestPublishThenRetrieve(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	ctx := context.Background()

	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#max_items", Values: []string{"3"}})
	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", form); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}

	res, serr := svc.PublishItem(ctx, owner, "/tests", "x1", payloadElement("one"))
	if serr != nil {
		t.Fatalf("PublishItem: %v", serr)
	}
	if res.ItemID != "x1" {
		t.Errorf("expected item id x1, got %s", res.ItemID)
	}

	items, gerr := svc.GetItems(ctx, owner, "/tests", 0)
	if gerr != nil {
		t.Fatalf("GetItems: %v", gerr)
	}
	if len(items) != 1 || items[0].ID != "x1" {
		t.Fatalf("published item not retrievable, got %v", items)
	}
	if items[0].CreatedBy != "owner@a.example" {
		t.Errorf("item creator wrong: %s", items[0].CreatedBy)
	}
}

func TestEvictionReturnsOldest(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	ctx := context.Background()

	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#max_items", Values: []string{"2"}})
	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", form); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}

	for i := 1; i <= 2; i++ {
		if _, serr := svc.PublishItem(ctx, owner, "/tests", fmt.Sprintf("x%d", i), payloadElement("v")); serr != nil {
			t.Fatalf("publish %d: %v", i, serr)
		}
	}
	res, serr := svc.PublishItem(ctx, owner, "/tests", "x3", payloadElement("v"))
	if serr != nil {
		t.Fatalf("third publish: %v", serr)
	}
	if len(res.Evicted) != 1 || res.Evicted[0] != "x1" {
		t.Fatalf("expected x1 evicted, got %v", res.Evicted)
	}

	items, gerr := svc.GetItems(ctx, owner, "/tests", 0)
	if gerr != nil {
		t.Fatalf("GetItems: %v", gerr)
	}
	for _, item := range items {
		if item.ID == "x1" {
			t.Fatal("evicted item must be gone from retrieval")
		}
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 retained items, got %d", len(items))
	}
}

func TestPublishPermissionModels(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	stranger := mustJID(t, "stranger@b.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}

	// 默认publishers模型下非publisher禁止发布
	if _, serr := svc.PublishItem(ctx, stranger, "/tests", "", payloadElement("v")); serr == nil || serr.Cond != stanza.ErrForbidden {
		t.Errorf("stranger publish must be forbidden, got %v", serr)
	}

	// open模型放开
	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#publish_model", Values: []string{"open"}})
	if _, serr := svc.ConfigureNode(ctx, owner, "/tests", form); serr != nil {
		t.Fatalf("ConfigureNode: %v", serr)
	}
	if _, serr := svc.PublishItem(ctx, stranger, "/tests", "", payloadElement("v")); serr != nil {
		t.Errorf("open model publish must succeed, got %v", serr)
	}
}

func TestPayloadChecks(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	ctx := context.Background()

	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#max_payload_size", Values: []string{"40"}})
	form.AddField(stanza.FormField{Var: "pubsub#type", Values: []string{"urn:test:payload"}})
	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", form); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}

	// 无负载而节点要求负载
	if _, serr := svc.PublishItem(ctx, owner, "/tests", "", nil); serr == nil || serr.Cond != stanza.ErrBadRequest {
		t.Errorf("missing payload must be bad-request, got %v", serr)
	}
	// 负载超限
	big := payloadElement("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if _, serr := svc.PublishItem(ctx, owner, "/tests", "", big); serr == nil || serr.Cond != stanza.ErrNotAcceptable {
		t.Errorf("oversized payload must be not-acceptable, got %v", serr)
	}
	// 命名空间不匹配
	wrongNS := stanza.NewNS("entry", "urn:other")
	if _, serr := svc.PublishItem(ctx, owner, "/tests", "", wrongNS); serr == nil || serr.Cond != stanza.ErrBadRequest {
		t.Errorf("wrong namespace payload must be bad-request, got %v", serr)
	}
	// 合法负载
	if _, serr := svc.PublishItem(ctx, owner, "/tests", "", payloadElement("ok")); serr != nil {
		t.Errorf("valid payload rejected: %v", serr)
	}
}

func TestAccessGates(t *testing.T) {
	svc, _, _, roster := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	friend := mustJID(t, "friend@b.example/desk")
	grouped := mustJID(t, "grouped@b.example/desk")
	stranger := mustJID(t, "stranger@b.example/desk")
	ctx := context.Background()

	roster.presenceSubs["owner@a.example|friend@b.example"] = true
	roster.presenceSubs["owner@a.example|grouped@b.example"] = true
	roster.groups["owner@a.example|grouped@b.example"] = []string{"pals"}

	makeNode := func(path, access string, extra ...stanza.FormField) *Node {
		form := &stanza.Form{Type: stanza.FormTypeSubmit}
		form.AddField(stanza.FormField{Var: "pubsub#access_model", Values: []string{access}})
		for _, f := range extra {
			form.AddField(f)
		}
		if _, serr := svc.CreateNode(ctx, owner, path, "flat", form); serr != nil {
			t.Fatalf("CreateNode %s: %v", path, serr)
		}
		node, _ := svc.store.FetchNode(ctx, svc.host, path)
		return node
	}

	tests := []struct {
		name      string
		node      *Node
		requester jid.JID
		state     SubState
		wantErr   bool
	}{
		{"open", makeNode("/open", AccessOpen), stranger, SubStateSubscribed, false},
		{"presence-friend", makeNode("/presence", AccessPresence), friend, SubStateSubscribed, false},
		{"presence-stranger", svc.mustNode(t, "/presence"), stranger, "", true},
		{"roster-grouped", makeNode("/roster", AccessRoster,
			stanza.FormField{Var: "pubsub#roster_groups_allowed", Values: []string{"pals"}}), grouped, SubStateSubscribed, false},
		{"roster-friend-wrong-group", svc.mustNode(t, "/roster"), friend, "", true},
		{"authorize", makeNode("/authorize", AccessAuthorize), friend, SubStatePending, false},
		{"whitelist-unknown", makeNode("/whitelist", AccessWhitelist), stranger, SubStatePending, false},
	}

	for _, tt := range tests {
		state, serr := svc.checkSubscribeAccess(ctx, tt.node, tt.requester)
		if tt.wantErr {
			if serr == nil {
				t.Errorf("%s: expected denial, got state %s", tt.name, state)
			}
			continue
		}
		if serr != nil {
			t.Errorf("%s: unexpected denial %v", tt.name, serr)
			continue
		}
		if state != tt.state {
			t.Errorf("%s: expected state %s, got %s", tt.name, tt.state, state)
		}
	}

	// 白名单内的JID直接subscribed
	wl, _ := svc.store.FetchNode(ctx, svc.host, "/whitelist")
	if serr := svc.SetAffiliations(ctx, owner, "/whitelist", map[string]Affiliation{
		"friend@b.example": AffiliationMember,
	}); serr != nil {
		t.Fatalf("SetAffiliations: %v", serr)
	}
	state, serr := svc.checkSubscribeAccess(ctx, wl, friend)
	if serr != nil || state != SubStateSubscribed {
		t.Errorf("whitelisted JID must subscribe directly, got %s %v", state, serr)
	}
}

func (s *Service) mustNode(t *testing.T, path string) *Node {
	t.Helper()
	node, err := s.store.FetchNode(context.Background(), s.host, path)
	if err != nil {
		t.Fatalf("node %s missing: %v", path, err)
	}
	return node
}

func TestSubscribePublishNotify(t *testing.T) {
	svc, rc, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	sub := mustJID(t, "sub@b.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}
	res, serr := svc.SubscribeNode(ctx, sub, sub, "/tests", nil)
	if serr != nil {
		t.Fatalf("SubscribeNode: %v", serr)
	}
	if res.State != SubStateSubscribed || res.SubID == "" {
		t.Fatalf("expected subscribed with fresh subid, got %+v", res)
	}

	rc.clear()
	pres, perr := svc.PublishItem(ctx, owner, "/tests", "x1", payloadElement("hello"))
	if perr != nil {
		t.Fatalf("PublishItem: %v", perr)
	}
	svc.BroadcastPublish(pres, owner)

	msgs := rc.messagesTo("sub@b.example")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Attr("type") != stanza.TypeHeadline {
		t.Errorf("notification type must default to headline, got %s", msg.Attr("type"))
	}
	event := msg.ChildNS("event", stanza.NSPubSubEvent)
	if event == nil {
		t.Fatal("notification missing event element")
	}
	items := event.Child("items")
	if items == nil || items.Attr("node") != "/tests" {
		t.Fatalf("items element wrong: %s", msg.String())
	}
	item := items.Child("item")
	if item == nil || item.Attr("id") != "x1" {
		t.Fatalf("item id lost: %s", msg.String())
	}
	if item.Child("entry") == nil {
		t.Error("deliver_payloads node must include payload")
	}
}

func TestWhitelistPendingAuthorizationFlow(t *testing.T) {
	svc, rc, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	sub := mustJID(t, "sub@b.example/desk")
	ctx := context.Background()

	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#access_model", Values: []string{AccessWhitelist}})
	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", form); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}

	res, serr := svc.SubscribeNode(ctx, sub, sub, "/tests", nil)
	if serr != nil {
		t.Fatalf("SubscribeNode: %v", serr)
	}
	if res.State != SubStatePending {
		t.Fatalf("unknown JID on whitelist node must be pending, got %s", res.State)
	}

	rc.clear()
	svc.SendAuthorizationRequests(res.Node, res.JID, res.SubID)
	ownerMsgs := rc.messagesTo("owner@a.example")
	if len(ownerMsgs) != 1 {
		t.Fatalf("owner must receive one authorization form, got %d", len(ownerMsgs))
	}
	authForm := stanza.ParseForm(ownerMsgs[0].ChildNS("x", stanza.NSDataForms))
	if authForm == nil || authForm.Field("pubsub#subscriber_jid").Value() != "sub@b.example" {
		t.Fatalf("authorization form wrong: %s", ownerMsgs[0].String())
	}

	// owner批准
	rc.clear()
	reply := stanza.NewMessage("owner@a.example/desk", svc.host, "")
	submit := &stanza.Form{Type: stanza.FormTypeSubmit}
	submit.AddField(stanza.FormField{Var: "FORM_TYPE", Values: []string{stanza.NSPubSub + "#subscribe_authorization"}})
	submit.AddField(stanza.FormField{Var: "pubsub#node", Values: []string{"/tests"}})
	submit.AddField(stanza.FormField{Var: "pubsub#subscriber_jid", Values: []string{"sub@b.example"}})
	submit.AddField(stanza.FormField{Var: "pubsub#subid", Values: []string{res.SubID}})
	submit.AddField(stanza.FormField{Var: "pubsub#allow", Values: []string{"true"}})
	reply.AppendChild(submit.Element())
	svc.processAuthorizationForm(reply)

	rec, err := svc.store.FetchState(ctx, "sub@b.example", res.Node.Idx)
	if err != nil {
		t.Fatalf("state missing after approval: %v", err)
	}
	if rec.SubscribedCount() != 1 {
		t.Fatalf("approval must promote subscription to subscribed: %+v", rec.Subscriptions)
	}

	subMsgs := rc.messagesTo("sub@b.example")
	if len(subMsgs) == 0 {
		t.Fatal("subject must receive a subscribed notification")
	}
	subEl := subMsgs[0].ChildNS("event", stanza.NSPubSubEvent).Child("subscription")
	if subEl == nil || subEl.Attr("subscription") != "subscribed" {
		t.Fatalf("subscription notification wrong: %s", subMsgs[0].String())
	}
	if subEl.Attr("subsription") != "" {
		t.Error("typo compatibility alias must be off by default")
	}
}

func TestBroadcastFilters(t *testing.T) {
	svc, rc, tracker, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/col", "flat", nil); serr != nil {
		t.Fatalf("create /col: %v", serr)
	}
	childForm := &stanza.Form{Type: stanza.FormTypeSubmit}
	childForm.AddField(stanza.FormField{Var: "pubsub#collection", Values: []string{"/col"}})
	if _, serr := svc.CreateNode(ctx, owner, "/col/leaf", "flat", childForm); serr != nil {
		t.Fatalf("create /col/leaf: %v", serr)
	}

	subscribe := func(who string, path string, opts SubOptions) {
		j := mustJID(t, who)
		node := svc.mustNode(t, path)
		rec := &StateRecord{JID: j.Bare().String(), NodeIdx: node.Idx, Affiliation: AffiliationNone,
			Subscriptions: []Subscription{{State: SubStateSubscribed, SubID: "sid-" + j.Node, Options: opts}}}
		if err := svc.store.UpsertState(ctx, rec); err != nil {
			t.Fatalf("UpsertState: %v", err)
		}
	}

	nodeliver := DefaultSubOptions()
	nodeliver.Deliver = false
	subscribe("quiet@b.example/x", "/col/leaf", nodeliver)

	depth0 := DefaultSubOptions()
	depth0.Depth = 0
	subscribe("shallow@b.example/x", "/col", depth0)

	depthAll := DefaultSubOptions()
	subscribe("deep@b.example/x", "/col", depthAll)

	showOnline := DefaultSubOptions()
	showOnline.ShowValues = []string{"online"}
	subscribe("showy@b.example/x", "/col/leaf", showOnline)

	publish := func() {
		rc.clear()
		res, perr := svc.PublishItem(ctx, owner, "/col/leaf", "", payloadElement("v"))
		if perr != nil {
			t.Fatalf("publish: %v", perr)
		}
		svc.BroadcastPublish(res, owner)
	}

	publish()

	if got := rc.messagesTo("quiet@b.example"); len(got) != 0 {
		t.Errorf("deliver=false subscriber must get nothing, got %d", len(got))
	}
	if got := rc.messagesTo("shallow@b.example"); len(got) != 0 {
		t.Errorf("depth=0 collection subscriber must not see leaf events, got %d", len(got))
	}
	deepMsgs := rc.messagesTo("deep@b.example")
	if len(deepMsgs) != 1 {
		t.Fatalf("unlimited-depth collection subscriber must get the event, got %d", len(deepMsgs))
	}
	// 经集合命中的通知携带Collection SHIM头
	headers := deepMsgs[0].ChildNS("headers", stanza.NSSHIM)
	if headers == nil {
		t.Fatal("collection-matched notification must carry SHIM headers")
	}
	foundCollection := false
	for _, h := range headers.ChildrenNamed("header") {
		if h.Attr("name") == "Collection" && h.Text == "/col" {
			foundCollection = true
		}
	}
	if !foundCollection {
		t.Errorf("Collection header missing: %s", deepMsgs[0].String())
	}
	if got := rc.messagesTo("showy@b.example"); len(got) != 0 {
		t.Errorf("show_values subscriber must get nothing while offline, got %d", len(got))
	}

	// showy上线后收到
	tracker.SetPresence(mustJID(t, "showy@b.example/x"), presence.ShowOnline)
	publish()
	if got := rc.messagesTo("showy@b.example"); len(got) != 1 {
		t.Errorf("show_values subscriber must get the event while online, got %d", len(got))
	}

	// 直达叶子事件也发给深度订阅者；depth=0订阅者只收/col直发
	rc.clear()
	res, perr := svc.PublishItem(ctx, owner, "/col", "", payloadElement("direct"))
	if perr != nil {
		t.Fatalf("publish /col: %v", perr)
	}
	svc.BroadcastPublish(res, owner)
	if got := rc.messagesTo("shallow@b.example"); len(got) != 1 {
		t.Errorf("depth=0 subscriber must see direct events, got %d", len(got))
	}
}

func TestLastOwnerCannotBeRemoved(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}
	serr := svc.SetAffiliations(ctx, owner, "/tests", map[string]Affiliation{
		"owner@a.example": AffiliationNone,
	})
	if serr == nil || serr.Cond != stanza.ErrNotAllowed {
		t.Fatalf("removing the last owner must be not-allowed, got %v", serr)
	}

	// 加第二个owner后可以移除
	if serr := svc.SetAffiliations(ctx, owner, "/tests", map[string]Affiliation{
		"second@a.example": AffiliationOwner,
	}); serr != nil {
		t.Fatalf("adding second owner: %v", serr)
	}
	if serr := svc.SetAffiliations(ctx, owner, "/tests", map[string]Affiliation{
		"owner@a.example": AffiliationNone,
	}); serr != nil {
		t.Fatalf("removing first owner with another present: %v", serr)
	}
	node := svc.mustNode(t, "/tests")
	if len(node.Owners) != 1 || node.Owners[0] != "second@a.example" {
		t.Errorf("owner set wrong after removal: %v", node.Owners)
	}
}

func TestDeleteNodeCascadesAndNotifies(t *testing.T) {
	svc, rc, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	sub := mustJID(t, "sub@b.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/parent", "flat", nil); serr != nil {
		t.Fatalf("create /parent: %v", serr)
	}
	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#collection", Values: []string{"/parent"}})
	if _, serr := svc.CreateNode(ctx, owner, "/parent/child", "flat", form); serr != nil {
		t.Fatalf("create child: %v", serr)
	}
	if _, serr := svc.SubscribeNode(ctx, sub, sub, "/parent", nil); serr != nil {
		t.Fatalf("subscribe: %v", serr)
	}
	if _, serr := svc.PublishItem(ctx, owner, "/parent/child", "i1", payloadElement("v")); serr != nil {
		t.Fatalf("publish: %v", serr)
	}

	childIdx := svc.mustNode(t, "/parent/child").Idx

	rc.clear()
	res, serr := svc.DeleteNode(ctx, owner, "/parent")
	if serr != nil {
		t.Fatalf("DeleteNode: %v", serr)
	}
	svc.BroadcastDelete(res)

	if _, err := svc.store.FetchNode(ctx, svc.host, "/parent/child"); err == nil {
		t.Error("child node must be deleted with its parent")
	}
	if items, _ := svc.store.FetchItems(ctx, childIdx); len(items) != 0 {
		t.Error("child items must be deleted with the tree")
	}

	msgs := rc.messagesTo("sub@b.example")
	if len(msgs) != 1 {
		t.Fatalf("subscriber must get one delete notification, got %d", len(msgs))
	}
	if msgs[0].ChildNS("event", stanza.NSPubSubEvent).Child("delete") == nil {
		t.Errorf("delete event element missing: %s", msgs[0].String())
	}
}

func TestRetractNotification(t *testing.T) {
	svc, rc, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	sub := mustJID(t, "sub@b.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}
	if _, serr := svc.SubscribeNode(ctx, sub, sub, "/tests", nil); serr != nil {
		t.Fatalf("subscribe: %v", serr)
	}
	if _, serr := svc.PublishItem(ctx, owner, "/tests", "x1", payloadElement("v")); serr != nil {
		t.Fatalf("publish: %v", serr)
	}

	rc.clear()
	res, serr := svc.RetractItem(ctx, owner, "/tests", "x1", false)
	if serr != nil {
		t.Fatalf("RetractItem: %v", serr)
	}
	svc.BroadcastRetract(res, owner)

	msgs := rc.messagesTo("sub@b.example")
	if len(msgs) != 1 {
		t.Fatalf("expected one retract notification, got %d", len(msgs))
	}
	retract := msgs[0].ChildNS("event", stanza.NSPubSubEvent).Child("items").Child("retract")
	if retract == nil || retract.Attr("id") != "x1" {
		t.Errorf("retract element wrong: %s", msgs[0].String())
	}

	if _, serr := svc.GetItem(ctx, owner, "/tests", "x1"); serr == nil {
		t.Error("retracted item must be gone")
	}
}

func TestSetSubscriptionsAtomicOnInvalidEntry(t *testing.T) {
	svc, _, _, _ := testService(t)
	owner := mustJID(t, "owner@a.example/desk")
	sub := mustJID(t, "sub@b.example/desk")
	ctx := context.Background()

	if _, serr := svc.CreateNode(ctx, owner, "/tests", "flat", nil); serr != nil {
		t.Fatalf("CreateNode: %v", serr)
	}
	res, serr := svc.SubscribeNode(ctx, sub, sub, "/tests", nil)
	if serr != nil {
		t.Fatalf("subscribe: %v", serr)
	}

	// 第二条非法：整体失败，第一条也不得落库
	_, serr = svc.SetSubscriptions(ctx, owner, "/tests", []SubscriptionChange{
		{JID: "sub@b.example", SubID: res.SubID, State: SubStatePending},
		{JID: "sub@b.example", State: "bogus"},
	})
	if serr == nil || serr.Cond != stanza.ErrNotAcceptable {
		t.Fatalf("invalid entry must fail with not-acceptable, got %v", serr)
	}
	rec, _ := svc.store.FetchState(ctx, "sub@b.example", res.Node.Idx)
	if rec.SubscribedCount() != 1 {
		t.Fatal("no entry may commit when any entry is invalid")
	}
}

package pubsub

import (
	"context"
	"strconv"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// MatchesIQ 判断IQ是否归本服务处理
func MatchesIQ(iq *stanza.Element) bool {
	if iq.Name != "iq" {
		return false
	}
	pubsub := iq.Child("pubsub")
	if pubsub == nil {
		return false
	}
	switch pubsub.Namespace() {
	case stanza.NSPubSub, stanza.NSPubSubOwner:
		return true
	}
	return false
}

// ProcessIQ 把IQ排入宿主队列处理
func (s *Service) ProcessIQ(iq *stanza.Element) {
	s.Enqueue(func() {
		s.processIQ(iq)
	})
}

// ProcessMessage 处理发往服务的消息（审批表单回执）
func (s *Service) ProcessMessage(msg *stanza.Element) {
	s.Enqueue(func() {
		s.processAuthorizationForm(msg)
	})
}

func (s *Service) reply(el *stanza.Element) {
	if s.route != nil {
		s.route(el)
	}
}

func (s *Service) replyError(iq *stanza.Element, serr *Error) {
	s.reply(serr.Reply(iq))
}

func (s *Service) processIQ(iq *stanza.Element) {
	from, err := jid.Parse(iq.Attr("from"))
	if err != nil {
		s.replyError(iq, errOf(stanza.ErrBadRequest))
		return
	}
	ctx := context.Background()

	pubsub := iq.Child("pubsub")
	if pubsub == nil {
		s.replyError(iq, errOf(stanza.ErrBadRequest))
		return
	}

	iqType := iq.Attr("type")
	ownerNS := pubsub.Namespace() == stanza.NSPubSubOwner

	switch {
	case iqType == stanza.TypeSet && !ownerNS:
		s.processSet(ctx, iq, pubsub, from)
	case iqType == stanza.TypeGet && !ownerNS:
		s.processGet(ctx, iq, pubsub, from)
	case iqType == stanza.TypeSet && ownerNS:
		s.processOwnerSet(ctx, iq, pubsub, from)
	case iqType == stanza.TypeGet && ownerNS:
		s.processOwnerGet(ctx, iq, pubsub, from)
	default:
		s.replyError(iq, errOf(stanza.ErrBadRequest))
	}
}

func configureForm(parent *stanza.Element) *stanza.Form {
	if parent == nil {
		return nil
	}
	if x := parent.ChildNS("x", stanza.NSDataForms); x != nil {
		return stanza.ParseForm(x)
	}
	return nil
}

func (s *Service) processSet(ctx context.Context, iq, pubsub *stanza.Element, from jid.JID) {
	switch {
	case pubsub.Child("create") != nil:
		create := pubsub.Child("create")
		path, serr := s.CreateNode(ctx, from, create.Attr("node"), create.Attr("type"), configureForm(pubsub.Child("configure")))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		var payload *stanza.Element
		if create.Attr("node") == "" {
			payload = stanza.NewNS("pubsub", stanza.NSPubSub)
			created := stanza.New("create")
			created.SetAttr("node", path)
			payload.AppendChild(created)
		}
		s.reply(stanza.ResultIQ(iq, payload))
		if node, err := s.store.FetchNode(ctx, s.host, path); err == nil {
			s.BroadcastCreate(node)
		}

	case pubsub.Child("subscribe") != nil:
		subscribe := pubsub.Child("subscribe")
		subJID, err := jid.Parse(subscribe.Attr("jid"))
		if err != nil {
			s.replyError(iq, errExtended(stanza.ErrBadRequest, "invalid-jid"))
			return
		}
		res, serr := s.SubscribeNode(ctx, from, subJID, subscribe.Attr("node"), configureForm(pubsub.Child("options")))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		payload := stanza.NewNS("pubsub", stanza.NSPubSub)
		subEl := stanza.New("subscription")
		subEl.SetAttr("node", res.Node.Path)
		subEl.SetAttr("jid", res.JID)
		subEl.SetAttr("subid", res.SubID)
		subEl.SetAttr("subscription", string(res.State))
		payload.AppendChild(subEl)
		s.reply(stanza.ResultIQ(iq, payload))

		if res.Pending {
			s.SendAuthorizationRequests(res.Node, res.JID, res.SubID)
			return
		}
		switch res.Node.Options.SendLastPublishedItem {
		case SendLastOnSub, SendLastOnSubPresence:
			owner, _ := jid.Parse(s.host)
			s.SendLastItems(ctx, res.Node, res.JID, []string{res.SubID}, owner)
		}

	case pubsub.Child("unsubscribe") != nil:
		unsub := pubsub.Child("unsubscribe")
		subJID, err := jid.Parse(unsub.Attr("jid"))
		if err != nil {
			s.replyError(iq, errExtended(stanza.ErrBadRequest, "invalid-jid"))
			return
		}
		if serr := s.Unsubscribe(ctx, from, subJID, unsub.Attr("node"), unsub.Attr("subid")); serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))

	case pubsub.Child("publish") != nil:
		publish := pubsub.Child("publish")
		if s.pep && s.cfg.IgnorePEPFromOffline && s.presences != nil && !s.presences.IsOnline(from) {
			logger.DebugF("[%s] Ignoring PEP publish from offline publisher %s", s.host, from.String())
			s.replyError(iq, errOf(stanza.ErrNotAllowed))
			return
		}
		var itemID string
		var payload *stanza.Element
		if item := publish.Child("item"); item != nil {
			itemID = item.Attr("id")
			if len(item.Children) > 0 {
				payload = item.Children[0]
			}
		}
		res, serr := s.PublishItem(ctx, from, publish.Attr("node"), itemID, payload)
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSub)
		pubEl := stanza.New("publish")
		pubEl.SetAttr("node", res.Node.Path)
		itemEl := stanza.New("item")
		itemEl.SetAttr("id", res.ItemID)
		pubEl.AppendChild(itemEl)
		reply.AppendChild(pubEl)
		s.reply(stanza.ResultIQ(iq, reply))
		s.BroadcastPublish(res, from)

	case pubsub.Child("retract") != nil:
		retract := pubsub.Child("retract")
		forceNotify := retract.Attr("notify") == "1" || retract.Attr("notify") == "true"
		item := retract.Child("item")
		if item == nil || item.Attr("id") == "" {
			s.replyError(iq, errExtended(stanza.ErrBadRequest, "item-required"))
			return
		}
		res, serr := s.RetractItem(ctx, from, retract.Attr("node"), item.Attr("id"), forceNotify)
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))
		s.BroadcastRetract(res, from)

	default:
		s.replyError(iq, errOf(stanza.ErrFeatureNotImplemented))
	}
}

func (s *Service) processGet(ctx context.Context, iq, pubsub *stanza.Element, from jid.JID) {
	switch {
	case pubsub.Child("items") != nil:
		itemsReq := pubsub.Child("items")
		max := 0
		if v := itemsReq.Attr("max_items"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				max = n
			}
		}

		// 请求指定了item id时逐个取
		if requested := itemsReq.ChildrenNamed("item"); len(requested) > 0 {
			reply := stanza.NewNS("pubsub", stanza.NSPubSub)
			itemsEl := stanza.New("items")
			itemsEl.SetAttr("node", itemsReq.Attr("node"))
			for _, req := range requested {
				item, serr := s.GetItem(ctx, from, itemsReq.Attr("node"), req.Attr("id"))
				if serr != nil {
					s.replyError(iq, serr)
					return
				}
				itemsEl.AppendChild(itemElement(item))
			}
			reply.AppendChild(itemsEl)
			s.reply(stanza.ResultIQ(iq, reply))
			return
		}

		items, serr := s.GetItems(ctx, from, itemsReq.Attr("node"), max)
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSub)
		itemsEl := stanza.New("items")
		itemsEl.SetAttr("node", itemsReq.Attr("node"))
		for _, item := range items {
			itemsEl.AppendChild(itemElement(item))
		}
		reply.AppendChild(itemsEl)
		s.reply(stanza.ResultIQ(iq, reply))

	case pubsub.Child("subscriptions") != nil:
		recs, serr := s.GetSubscriptions(ctx, from, pubsub.Child("subscriptions").Attr("node"))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSub)
		subsEl := stanza.New("subscriptions")
		for _, rec := range recs {
			node, err := s.store.FetchNodeByIdx(ctx, rec.NodeIdx)
			if err != nil {
				continue
			}
			for _, sub := range rec.ActiveSubscriptions() {
				subEl := stanza.New("subscription")
				subEl.SetAttr("node", node.Path)
				subEl.SetAttr("jid", rec.JID)
				subEl.SetAttr("subid", sub.SubID)
				subEl.SetAttr("subscription", string(sub.State))
				subsEl.AppendChild(subEl)
			}
		}
		reply.AppendChild(subsEl)
		s.reply(stanza.ResultIQ(iq, reply))

	case pubsub.Child("affiliations") != nil:
		recs, err := s.store.FetchStatesByJID(ctx, from.Bare().String())
		if err != nil {
			s.replyError(iq, errOf(stanza.ErrInternalServerError))
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSub)
		affEl := stanza.New("affiliations")
		for _, rec := range recs {
			if rec.Affiliation == AffiliationNone {
				continue
			}
			node, err := s.store.FetchNodeByIdx(ctx, rec.NodeIdx)
			if err != nil {
				continue
			}
			a := stanza.New("affiliation")
			a.SetAttr("node", node.Path)
			a.SetAttr("affiliation", string(rec.Affiliation))
			affEl.AppendChild(a)
		}
		reply.AppendChild(affEl)
		s.reply(stanza.ResultIQ(iq, reply))

	default:
		s.replyError(iq, errOf(stanza.ErrFeatureNotImplemented))
	}
}

func itemElement(item *Item) *stanza.Element {
	el := stanza.New("item")
	el.SetAttr("id", item.ID)
	if payload := item.PayloadElement(); payload != nil {
		el.AppendChild(payload)
	}
	return el
}

func (s *Service) processOwnerSet(ctx context.Context, iq, pubsub *stanza.Element, from jid.JID) {
	switch {
	case pubsub.Child("configure") != nil:
		configure := pubsub.Child("configure")
		form := configureForm(pubsub)
		if form == nil {
			form = configureForm(configure)
		}
		if form == nil || form.Type == stanza.FormTypeCancel {
			s.reply(stanza.ResultIQ(iq, nil))
			return
		}
		node, serr := s.ConfigureNode(ctx, from, configure.Attr("node"), form)
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))
		s.BroadcastConfig(node)

	case pubsub.Child("purge") != nil:
		node, serr := s.PurgeNode(ctx, from, pubsub.Child("purge").Attr("node"))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))
		s.BroadcastPurge(node)

	case pubsub.Child("delete") != nil:
		res, serr := s.DeleteNode(ctx, from, pubsub.Child("delete").Attr("node"))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))
		s.BroadcastDelete(res)

	case pubsub.Child("affiliations") != nil:
		affs := pubsub.Child("affiliations")
		changes := make(map[string]Affiliation)
		for _, a := range affs.ChildrenNamed("affiliation") {
			changes[a.Attr("jid")] = Affiliation(a.Attr("affiliation"))
		}
		if serr := s.SetAffiliations(ctx, from, affs.Attr("node"), changes); serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))

	case pubsub.Child("subscriptions") != nil:
		subs := pubsub.Child("subscriptions")
		var changes []SubscriptionChange
		for _, subEl := range subs.ChildrenNamed("subscription") {
			changes = append(changes, SubscriptionChange{
				JID:   subEl.Attr("jid"),
				SubID: subEl.Attr("subid"),
				State: SubState(subEl.Attr("subscription")),
			})
		}
		recs, serr := s.SetSubscriptions(ctx, from, subs.Attr("node"), changes)
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(stanza.ResultIQ(iq, nil))
		if node, err := s.store.FetchNode(ctx, s.host, subs.Attr("node")); err == nil {
			for _, rec := range recs {
				for _, sub := range rec.Subscriptions {
					s.NotifySubscriptionState(node, rec.JID, sub)
				}
			}
		}

	default:
		s.replyError(iq, errOf(stanza.ErrFeatureNotImplemented))
	}
}

func (s *Service) processOwnerGet(ctx context.Context, iq, pubsub *stanza.Element, from jid.JID) {
	switch {
	case pubsub.Child("configure") != nil:
		configure := pubsub.Child("configure")
		node, err := s.store.FetchNode(ctx, s.host, configure.Attr("node"))
		if err != nil {
			s.replyError(iq, errOf(stanza.ErrItemNotFound))
			return
		}
		if !isOwner(node, from) {
			s.replyError(iq, errOf(stanza.ErrForbidden))
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSubOwner)
		confEl := stanza.New("configure")
		confEl.SetAttr("node", node.Path)
		confEl.AppendChild(node.Options.Form(stanza.FormTypeForm).Element())
		reply.AppendChild(confEl)
		s.reply(stanza.ResultIQ(iq, reply))

	case pubsub.Child("default") != nil:
		reply := stanza.NewNS("pubsub", stanza.NSPubSubOwner)
		defEl := stanza.New("default")
		defEl.AppendChild(s.DefaultConfigForm().Element())
		reply.AppendChild(defEl)
		s.reply(stanza.ResultIQ(iq, reply))

	case pubsub.Child("affiliations") != nil:
		affs := pubsub.Child("affiliations")
		node, recs, serr := s.GetAffiliations(ctx, from, affs.Attr("node"))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSubOwner)
		affEl := stanza.New("affiliations")
		affEl.SetAttr("node", node.Path)
		for _, rec := range recs {
			if rec.Affiliation == AffiliationNone {
				continue
			}
			a := stanza.New("affiliation")
			a.SetAttr("jid", rec.JID)
			a.SetAttr("affiliation", string(rec.Affiliation))
			affEl.AppendChild(a)
		}
		reply.AppendChild(affEl)
		s.reply(stanza.ResultIQ(iq, reply))

	case pubsub.Child("subscriptions") != nil:
		subs := pubsub.Child("subscriptions")
		recs, serr := s.GetSubscriptions(ctx, from, subs.Attr("node"))
		if serr != nil {
			s.replyError(iq, serr)
			return
		}
		reply := stanza.NewNS("pubsub", stanza.NSPubSubOwner)
		subsEl := stanza.New("subscriptions")
		subsEl.SetAttr("node", subs.Attr("node"))
		for _, rec := range recs {
			for _, sub := range rec.ActiveSubscriptions() {
				subEl := stanza.New("subscription")
				subEl.SetAttr("jid", rec.JID)
				subEl.SetAttr("subid", sub.SubID)
				subEl.SetAttr("subscription", string(sub.State))
				subsEl.AppendChild(subEl)
			}
		}
		reply.AppendChild(subsEl)
		s.reply(stanza.ResultIQ(iq, reply))

	default:
		s.replyError(iq, errOf(stanza.ErrFeatureNotImplemented))
	}
}

// processAuthorizationForm 处理owner提交的订阅审批表单
func (s *Service) processAuthorizationForm(msg *stanza.Element) {
	x := msg.ChildNS("x", stanza.NSDataForms)
	form := stanza.ParseForm(x)
	if form == nil || form.Type != stanza.FormTypeSubmit {
		return
	}
	ft := form.Field("FORM_TYPE")
	if ft == nil || ft.Value() != stanza.NSPubSub+"#subscribe_authorization" {
		return
	}

	from, err := jid.Parse(msg.Attr("from"))
	if err != nil {
		return
	}
	nodeField := form.Field("pubsub#node")
	subscriberField := form.Field("pubsub#subscriber_jid")
	allowField := form.Field("pubsub#allow")
	if nodeField == nil || subscriberField == nil || allowField == nil {
		return
	}

	ctx := context.Background()
	node, err := s.store.FetchNode(ctx, s.host, nodeField.Value())
	if err != nil || !isOwner(node, from) {
		return
	}

	subscriber := subscriberField.Value()
	rec, err := s.store.FetchState(ctx, subscriber, node.Idx)
	if err != nil {
		return
	}

	var subID string
	if f := form.Field("pubsub#subid"); f != nil {
		subID = f.Value()
	}

	allow := allowField.Bool()
	changed := false
	kept := rec.Subscriptions[:0]
	var decided Subscription
	for _, sub := range rec.Subscriptions {
		if sub.State != SubStatePending || (subID != "" && sub.SubID != subID) {
			kept = append(kept, sub)
			continue
		}
		changed = true
		if allow {
			sub.State = SubStateSubscribed
			decided = sub
			kept = append(kept, sub)
		} else {
			decided = Subscription{State: SubStateNone, SubID: sub.SubID}
		}
	}
	if !changed {
		return
	}
	rec.Subscriptions = kept

	txErr := s.store.Transaction(ctx, func(ctx context.Context) error {
		if len(rec.Subscriptions) == 0 && rec.Affiliation == AffiliationNone {
			return s.store.DeleteState(ctx, rec.JID, rec.NodeIdx)
		}
		return s.store.UpsertState(ctx, rec)
	})
	if txErr != nil {
		logger.ErrorF("[%s] Fail to store authorization decision, details: %v", s.host, txErr)
		return
	}

	s.NotifySubscriptionState(node, subscriber, decided)
}

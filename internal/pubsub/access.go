package pubsub

import (
	"context"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// RosterChecker 查询宿主侧的名册关系（外部协作方）
type RosterChecker interface {
	// HasPresenceSubscription 判断owner是否向contact授予了出席订阅
	HasPresenceSubscription(owner, contact jid.JID) bool
	// InAllowedGroups 判断contact是否在owner名册的指定分组内
	InAllowedGroups(owner, contact jid.JID, groups []string) bool
}

// checkSubscribeAccess 按节点访问模型裁决订阅请求，
// 返回授予的订阅状态
func (s *Service) checkSubscribeAccess(ctx context.Context, node *Node, requester jid.JID) (SubState, *Error) {
	switch node.Options.AccessModel {
	case AccessOpen, "":
		return SubStateSubscribed, nil

	case AccessPresence:
		if s.ownerHasPresenceSub(node, requester) {
			return SubStateSubscribed, nil
		}
		return "", errExtended(stanza.ErrNotAuthorized, "presence-subscription-required")

	case AccessRoster:
		if s.ownerHasPresenceSub(node, requester) && s.inOwnerGroups(node, requester) {
			return SubStateSubscribed, nil
		}
		return "", errExtended(stanza.ErrNotAuthorized, "not-in-roster-group")

	case AccessAuthorize:
		return SubStatePending, nil

	case AccessWhitelist:
		rec, err := s.store.FetchState(ctx, requester.Bare().String(), node.Idx)
		if err == nil && rec.Affiliation != AffiliationNone && rec.Affiliation != AffiliationOutcast {
			return SubStateSubscribed, nil
		}
		// 未在白名单上的请求转入owner审批
		return SubStatePending, nil
	}
	return "", errOf(stanza.ErrInternalServerError)
}

// checkRetrieveAccess 按访问模型裁决条目读取
func (s *Service) checkRetrieveAccess(ctx context.Context, node *Node, requester jid.JID) *Error {
	rec, _ := s.store.FetchState(ctx, requester.Bare().String(), node.Idx)
	if rec != nil {
		switch rec.Affiliation {
		case AffiliationOutcast:
			return errOf(stanza.ErrForbidden)
		case AffiliationOwner, AffiliationPublisher:
			return nil
		}
	}

	switch node.Options.AccessModel {
	case AccessOpen, "":
		return nil
	case AccessPresence:
		if s.ownerHasPresenceSub(node, requester) {
			return nil
		}
		return errExtended(stanza.ErrNotAuthorized, "presence-subscription-required")
	case AccessRoster:
		if s.ownerHasPresenceSub(node, requester) && s.inOwnerGroups(node, requester) {
			return nil
		}
		return errExtended(stanza.ErrNotAuthorized, "not-in-roster-group")
	case AccessAuthorize:
		if rec != nil && rec.SubscribedCount() > 0 {
			return nil
		}
		return errExtended(stanza.ErrNotAuthorized, "not-subscribed")
	case AccessWhitelist:
		if rec != nil && rec.Affiliation != AffiliationNone {
			return nil
		}
		return errExtended(stanza.ErrNotAllowed, "closed-node")
	}
	return errOf(stanza.ErrInternalServerError)
}

func (s *Service) ownerHasPresenceSub(node *Node, requester jid.JID) bool {
	if s.roster == nil {
		return false
	}
	for _, owner := range node.Owners {
		ownerJID, err := jid.Parse(owner)
		if err != nil {
			continue
		}
		if s.roster.HasPresenceSubscription(ownerJID, requester) {
			return true
		}
	}
	return false
}

func (s *Service) inOwnerGroups(node *Node, requester jid.JID) bool {
	if s.roster == nil {
		return false
	}
	for _, owner := range node.Owners {
		ownerJID, err := jid.Parse(owner)
		if err != nil {
			continue
		}
		if s.roster.InAllowedGroups(ownerJID, requester, node.Options.RosterGroupsAllowed) {
			return true
		}
	}
	return false
}

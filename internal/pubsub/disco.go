package pubsub

import (
	"context"
	"sort"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// DiscoInfo 返回服务或节点的disco#info查询结果元素
func (s *Service) DiscoInfo(ctx context.Context, nodePath string) (*stanza.Element, *Error) {
	query := stanza.NewNS("query", stanza.NSDiscoInfo)

	if nodePath != "" {
		node, err := s.store.FetchNode(ctx, s.host, nodePath)
		if err != nil {
			return nil, errOf(stanza.ErrItemNotFound)
		}
		identity := stanza.New("identity")
		identity.SetAttr("category", "pubsub")
		if len(node.Options.Collection) > 0 || s.hasChildren(ctx, node) {
			identity.SetAttr("type", "collection")
		} else {
			identity.SetAttr("type", "leaf")
		}
		query.SetAttr("node", nodePath)
		query.AppendChild(identity)
		feature := stanza.New("feature")
		feature.SetAttr("var", stanza.NSPubSub)
		query.AppendChild(feature)
		return query, nil
	}

	identity := stanza.New("identity")
	identity.SetAttr("category", "pubsub")
	if s.pep {
		identity.SetAttr("type", "pep")
	} else {
		identity.SetAttr("type", "service")
	}
	query.AppendChild(identity)

	feature := stanza.New("feature")
	feature.SetAttr("var", stanza.NSPubSub)
	query.AppendChild(feature)

	features := s.defaultPlugin().Features()
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := stanza.New("feature")
		f.SetAttr("var", stanza.NSPubSub+"#"+name)
		query.AppendChild(f)
	}
	return query, nil
}

// DiscoItems 返回服务的节点清单或节点的条目清单
func (s *Service) DiscoItems(ctx context.Context, nodePath string) (*stanza.Element, *Error) {
	query := stanza.NewNS("query", stanza.NSDiscoItems)

	if nodePath == "" {
		nodes, err := s.store.FetchNodes(ctx, s.host)
		if err != nil {
			return nil, errOf(stanza.ErrInternalServerError)
		}
		for _, node := range nodes {
			item := stanza.New("item")
			item.SetAttr("jid", s.host)
			item.SetAttr("node", node.Path)
			if node.Options.Title != "" {
				item.SetAttr("name", node.Options.Title)
			}
			query.AppendChild(item)
		}
		return query, nil
	}

	node, err := s.store.FetchNode(ctx, s.host, nodePath)
	if err != nil {
		return nil, errOf(stanza.ErrItemNotFound)
	}
	query.SetAttr("node", nodePath)
	items, err := s.store.FetchItems(ctx, node.Idx)
	if err != nil {
		return nil, errOf(stanza.ErrInternalServerError)
	}
	for _, it := range items {
		item := stanza.New("item")
		item.SetAttr("jid", s.host)
		item.SetAttr("name", it.ID)
		query.AppendChild(item)
	}
	return query, nil
}

func (s *Service) hasChildren(ctx context.Context, node *Node) bool {
	children, err := s.store.FetchChildNodes(ctx, s.host, node.Path)
	return err == nil && len(children) > 0
}

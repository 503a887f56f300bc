package config

import "testing"

func TestFillDefaults(t *testing.T) {
	var c Config
	fillDefaults(&c)

	if c.S2S.Port != 5269 {
		t.Errorf("expected default s2s port 5269, got %d", c.S2S.Port)
	}
	if c.S2S.MaxRetryDelay != "300s" {
		t.Errorf("expected default max retry delay 300s, got %s", c.S2S.MaxRetryDelay)
	}
	if c.S2S.IdleTimeout != "600s" {
		t.Errorf("expected default idle timeout 600s, got %s", c.S2S.IdleTimeout)
	}
	if c.PubSub.MaxItemsNode != 10 {
		t.Errorf("expected default max_items_node 10, got %d", c.PubSub.MaxItemsNode)
	}
	if len(c.S2S.AddressFamilies) != 2 || c.S2S.AddressFamilies[0] != "ipv4" {
		t.Errorf("expected v4-first address family order, got %v", c.S2S.AddressFamilies)
	}
	if c.PubSub.NodeTree != "tree" {
		t.Errorf("expected default nodetree, got %s", c.PubSub.NodeTree)
	}
}

func TestFillDefaultsKeepsExplicitValues(t *testing.T) {
	var c Config
	c.S2S.Port = 15269
	c.PubSub.MaxItemsNode = 3
	fillDefaults(&c)

	if c.S2S.Port != 15269 {
		t.Errorf("explicit port overwritten, got %d", c.S2S.Port)
	}
	if c.PubSub.MaxItemsNode != 3 {
		t.Errorf("explicit max_items_node overwritten, got %d", c.PubSub.MaxItemsNode)
	}
}

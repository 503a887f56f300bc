package pubsub

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

func TestDefaultOptionsPerPlugin(t *testing.T) {
	flat, _ := PluginByName("flat")
	opts := flat.DefaultOptions(10)
	if !opts.PersistItems || opts.MaxItems != 10 {
		t.Errorf("flat defaults wrong: %+v", opts)
	}
	if opts.AccessModel != AccessOpen || opts.PublishModel != PublishModelPublishers {
		t.Errorf("flat models wrong: %+v", opts)
	}

	pep, _ := PluginByName("pep")
	popts := pep.DefaultOptions(10)
	if popts.AccessModel != AccessPresence {
		t.Errorf("pep access model must be presence, got %s", popts.AccessModel)
	}
	if popts.SendLastPublishedItem != SendLastOnSubPresence {
		t.Errorf("pep send-last must be on_sub_and_presence, got %s", popts.SendLastPublishedItem)
	}
	if popts.MaxItems != 1 {
		t.Errorf("pep max items must be 1, got %d", popts.MaxItems)
	}

	if _, ok := PluginByName("bogus"); ok {
		t.Error("unknown plugin must not resolve")
	}
}

func TestApplyFormIgnoresUnknownFields(t *testing.T) {
	flat, _ := PluginByName("flat")
	opts := flat.DefaultOptions(10)

	form := &stanza.Form{Type: stanza.FormTypeSubmit}
	form.AddField(stanza.FormField{Var: "pubsub#max_items", Values: []string{"5"}})
	form.AddField(stanza.FormField{Var: "pubsub#unknown_key", Values: []string{"whatever"}})
	form.AddField(stanza.FormField{Var: "x-custom#field", Values: []string{"whatever"}})

	if err := opts.ApplyForm(form); err != nil {
		t.Fatalf("unknown fields must be ignored, got %v", err)
	}
	if opts.MaxItems != 5 {
		t.Errorf("known field not applied, got %d", opts.MaxItems)
	}
}

func TestApplyFormRejectsInvalidValues(t *testing.T) {
	flat, _ := PluginByName("flat")

	tests := []stanza.FormField{
		{Var: "pubsub#access_model", Values: []string{"everyone"}},
		{Var: "pubsub#publish_model", Values: []string{"nobody"}},
		{Var: "pubsub#max_items", Values: []string{"-3"}},
		{Var: "pubsub#notification_type", Values: []string{"groupchat"}},
		{Var: "pubsub#send_last_published_item", Values: []string{"sometimes"}},
	}
	for _, field := range tests {
		opts := flat.DefaultOptions(10)
		form := &stanza.Form{Type: stanza.FormTypeSubmit}
		form.AddField(field)
		if err := opts.ApplyForm(form); err == nil {
			t.Errorf("field %s=%v must be rejected", field.Var, field.Values)
		}
	}
}

func TestOptionsFormRoundTrip(t *testing.T) {
	flat, _ := PluginByName("flat")
	opts := flat.DefaultOptions(10)
	opts.AccessModel = AccessWhitelist
	opts.Collection = []string{"/parent"}
	opts.Title = "news"

	parsed := stanza.ParseForm(opts.Form(stanza.FormTypeForm).Element())
	var restored NodeOptions
	if err := restored.ApplyForm(parsed); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if restored.AccessModel != AccessWhitelist {
		t.Errorf("access model lost, got %s", restored.AccessModel)
	}
	if len(restored.Collection) != 1 || restored.Collection[0] != "/parent" {
		t.Errorf("collection lost, got %v", restored.Collection)
	}
	if restored.Title != "news" {
		t.Errorf("title lost, got %s", restored.Title)
	}
	if restored.MaxItems != 10 || !restored.PersistItems {
		t.Errorf("numeric/bool fields lost: %+v", restored)
	}
}

func TestHometreeCreatePermission(t *testing.T) {
	ht, _ := PluginByName("hometree")
	owner := mustJID(t, "alice@a.example/desk")

	if !ht.AllowCreate("pubsub.a.example", owner, "/home/a.example/alice/notes", nil, "all") {
		t.Error("user must be able to create under own home")
	}
	if ht.AllowCreate("pubsub.a.example", owner, "/home/a.example/bob/notes", nil, "all") {
		t.Error("user must not create under another home without ownership")
	}
	parent := &Node{Owners: []string{"alice@a.example"}}
	if !ht.AllowCreate("pubsub.a.example", owner, "/home/a.example/bob/shared", parent, "all") {
		t.Error("parent owner must be able to create children anywhere")
	}
}

package xmlstream

import (
	"io"
	"strings"
	"testing"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

func TestStreamEvents(t *testing.T) {
	src := `<stream:stream xmlns:stream="http://etherx.jabber.org/streams" xmlns="jabber:server" version="1.0" id="abc">` +
		`<features xmlns="http://etherx.jabber.org/streams"/>` +
		`<message from="a@a.example" to="b@b.example"><body>hi</body></message>` +
		`</stream:stream>`

	r := NewReader(strings.NewReader(src))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if ev.Type != EventStreamStart {
		t.Fatalf("expected stream start, got %v", ev.Type)
	}
	attrs := stanza.ParseStreamAttrs(ev.Attrs)
	if attrs.Namespace != stanza.NSServer || attrs.Version != "1.0" || attrs.ID != "abc" {
		t.Errorf("stream attrs wrong: %+v", attrs)
	}

	ev, err = r.Next()
	if err != nil || ev.Type != EventElement || ev.Element.Name != "features" {
		t.Fatalf("expected features element, got %+v err %v", ev, err)
	}

	ev, err = r.Next()
	if err != nil || ev.Type != EventElement || ev.Element.Name != "message" {
		t.Fatalf("expected message element, got %+v err %v", ev, err)
	}
	if body := ev.Element.Child("body"); body == nil || body.Text != "hi" {
		t.Error("message body lost")
	}

	ev, err = r.Next()
	if err != nil || ev.Type != EventStreamEnd {
		t.Fatalf("expected stream end, got %+v err %v", ev, err)
	}
}

func TestStreamEOF(t *testing.T) {
	r := NewReader(strings.NewReader(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams">`))
	if ev, err := r.Next(); err != nil || ev.Type != EventStreamStart {
		t.Fatalf("expected stream start, got %+v err %v", ev, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF after truncated stream, got %v", err)
	}
}

func TestStreamNotWellFormed(t *testing.T) {
	r := NewReader(strings.NewReader(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams"><message><</message>`))
	if _, err := r.Next(); err != nil {
		t.Fatalf("stream start: %v", err)
	}
	if _, err := r.Next(); err != ErrNotWellFormed {
		t.Fatalf("expected not-well-formed error, got %v", err)
	}
}

func TestReset(t *testing.T) {
	r := NewReader(strings.NewReader(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams">`))
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	r.Reset(strings.NewReader(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams" id="second">`))
	ev, err := r.Next()
	if err != nil || ev.Type != EventStreamStart {
		t.Fatalf("expected stream start after reset, got %+v err %v", ev, err)
	}
	if stanza.ParseStreamAttrs(ev.Attrs).ID != "second" {
		t.Error("reset reader did not pick up new stream attrs")
	}
}

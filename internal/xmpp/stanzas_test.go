package xmpp

import (
	"encoding/xml"
	"testing"
)

func TestStanzaErrorDecode(t *testing.T) {
	raw := `<presence from="room@muc.example.com/luna" type="error">` +
		`<error type="cancel" by="room@muc.example.com">` +
		`<conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>` +
		`<text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">nickname taken</text>` +
		`</error></presence>`

	var p Presence
	if err := xml.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Error == nil {
		t.Fatalf("error element not decoded")
	}
	if p.Error.Type != "cancel" || p.Error.Condition != "conflict" {
		t.Fatalf("wrong classification: %+v", p.Error)
	}
	if p.Error.Text != "nickname taken" {
		t.Fatalf("text lost: %q", p.Error.Text)
	}
}

func TestStanzaErrorGoneCarriesAlternate(t *testing.T) {
	raw := `<presence type="error"><error type="cancel">` +
		`<gone xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">xmpp:new-room@muc.example.com</gone>` +
		`</error></presence>`

	var p Presence
	if err := xml.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Error.Condition != "gone" || p.Error.AltVenue != "xmpp:new-room@muc.example.com" {
		t.Fatalf("gone address lost: %+v", p.Error)
	}
}

func TestMessageSubjectPresenceIsDistinguishable(t *testing.T) {
	var withEmpty Message
	if err := xml.Unmarshal([]byte(`<message type="groupchat"><subject></subject></message>`), &withEmpty); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if withEmpty.Subject == nil || *withEmpty.Subject != "" {
		t.Fatalf("empty subject not preserved: %v", withEmpty.Subject)
	}

	var without Message
	if err := xml.Unmarshal([]byte(`<message type="groupchat"><body>hi</body></message>`), &without); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if without.Subject != nil {
		t.Fatalf("absent subject decoded as present")
	}
}

type samplePayload struct {
	XMLName xml.Name `xml:"urn:example:0 sample"`
	Kind    string   `xml:"kind,attr"`
	Value   string   `xml:"value"`
}

func TestMarshalPayloadRoundTrip(t *testing.T) {
	ext, err := MarshalPayload(samplePayload{Kind: "demo", Value: "v"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !ext.Is("urn:example:0", "sample") {
		t.Fatalf("namespace lost: %v", ext.XMLName)
	}
	// The namespace lives in XMLName only; a literal attribute would be
	// emitted twice on re-marshal.
	for _, a := range ext.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			t.Fatalf("xmlns kept as literal attribute: %v", ext.Attrs)
		}
	}
	if ext.Attr("kind") != "demo" {
		t.Fatalf("attribute lost: %v", ext.Attrs)
	}

	var back samplePayload
	if err := ext.Decode(&back); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if back.Kind != "demo" || back.Value != "v" {
		t.Fatalf("payload mangled: %+v", back)
	}
}

func TestExtensionLookupByNamespace(t *testing.T) {
	raw := `<message from="room@muc.example.com/luna" type="groupchat">` +
		`<body>hi</body>` +
		`<origin-id xmlns="urn:xmpp:sid:0" id="abc123"/>` +
		`</message>`

	var m Message
	if err := xml.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ext := m.Extension("urn:xmpp:sid:0", "origin-id")
	if ext == nil {
		t.Fatalf("origin-id not found among extensions")
	}
	if ext.Attr("id") != "abc123" {
		t.Fatalf("id attribute lost")
	}
	if m.Extension("urn:xmpp:sid:0", "stanza-id") != nil {
		t.Fatalf("lookup matched the wrong local name")
	}
}

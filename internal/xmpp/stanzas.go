package xmpp

import (
	"encoding/xml"

	"mellium.im/xmpp/jid"
)

// Stanza type attribute values used by the engine.
const (
	TypeGroupchat   = "groupchat"
	TypeChat        = "chat"
	TypeNormal      = "normal"
	TypeError       = "error"
	TypeUnavailable = "unavailable"
	TypeGet         = "get"
	TypeSet         = "set"
	TypeResult      = "result"
)

// Extension is an unparsed stanza child element. The outer name and
// attributes are preserved so payloads can be matched by namespace and
// re-marshaled without loss.
type Extension struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// Attr returns the value of the named attribute, or "".
func (e *Extension) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Is reports whether the extension has the given namespace and local name.
func (e *Extension) Is(space, local string) bool {
	return e.XMLName.Space == space && e.XMLName.Local == local
}

// StanzaError is a decoded stanza-level error element.
type StanzaError struct {
	Type      string // auth, cancel, modify, wait, continue
	By        string
	Condition string // defined condition element name, e.g. "conflict"
	Text      string
	// AltVenue carries the character data of a <gone/> condition, used
	// by room destruction to point at a replacement address.
	AltVenue string
}

// UnmarshalXML decodes an <error/> element, extracting the defined
// condition and any human-readable text.
func (e *StanzaError) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "type":
			e.Type = a.Value
		case "by":
			e.By = a.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var cdata string
			if err := d.DecodeElement(&cdata, &t); err != nil {
				return err
			}
			if t.Name.Local == "text" {
				e.Text = cdata
				continue
			}
			if e.Condition == "" {
				e.Condition = t.Name.Local
			}
			if t.Name.Local == "gone" {
				e.AltVenue = cdata
			}
		case xml.EndElement:
			return nil
		}
	}
}

// Presence is a decoded presence stanza.
type Presence struct {
	XMLName    xml.Name     `xml:"presence"`
	ID         string       `xml:"id,attr,omitempty"`
	From       jid.JID      `xml:"from,attr,omitempty"`
	To         jid.JID      `xml:"to,attr,omitempty"`
	Type       string       `xml:"type,attr,omitempty"`
	Show       string       `xml:"show,omitempty"`
	Status     string       `xml:"status,omitempty"`
	Priority   int          `xml:"priority,omitempty"`
	Error      *StanzaError `xml:"error"`
	Extensions []Extension  `xml:",any"`
}

// Extension returns the first payload matching the namespace and local
// name, or nil.
func (p *Presence) Extension(space, local string) *Extension {
	return findExtension(p.Extensions, space, local)
}

// Message is a decoded message stanza. Subject is a pointer so that a
// present-but-empty subject (a subject clear) is distinguishable from an
// absent one.
type Message struct {
	XMLName    xml.Name     `xml:"message"`
	ID         string       `xml:"id,attr,omitempty"`
	From       jid.JID      `xml:"from,attr,omitempty"`
	To         jid.JID      `xml:"to,attr,omitempty"`
	Type       string       `xml:"type,attr,omitempty"`
	Body       string       `xml:"body,omitempty"`
	Subject    *string      `xml:"subject"`
	Thread     string       `xml:"thread,omitempty"`
	Error      *StanzaError `xml:"error"`
	Extensions []Extension  `xml:",any"`
}

// Extension returns the first payload matching the namespace and local
// name, or nil.
func (m *Message) Extension(space, local string) *Extension {
	return findExtension(m.Extensions, space, local)
}

// IQ is a decoded info/query stanza. At most one payload element is
// carried per the protocol.
type IQ struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr,omitempty"`
	From    jid.JID      `xml:"from,attr,omitempty"`
	To      jid.JID      `xml:"to,attr,omitempty"`
	Type    string       `xml:"type,attr"`
	Error   *StanzaError `xml:"error"`
	Payload *Extension   `xml:",any"`
}

func findExtension(exts []Extension, space, local string) *Extension {
	for i := range exts {
		if exts[i].Is(space, local) {
			return &exts[i]
		}
	}
	return nil
}

// Decode unmarshals the full extension element into v.
func (e *Extension) Decode(v interface{}) error {
	raw, err := xml.Marshal(e)
	if err != nil {
		return err
	}
	return xml.Unmarshal(raw, v)
}

// MarshalPayload marshals v and wraps it as an IQ payload extension.
func MarshalPayload(v interface{}) (*Extension, error) {
	raw, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var ext Extension
	if err := xml.Unmarshal(raw, &ext); err != nil {
		return nil, err
	}
	// The namespace is carried in XMLName; a literal xmlns attribute
	// would be emitted twice on re-marshal.
	attrs := ext.Attrs[:0]
	for _, a := range ext.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		attrs = append(attrs, a)
	}
	ext.Attrs = attrs
	return &ext, nil
}

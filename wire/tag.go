// Package wire implements the charon wire codec: embedding binary and JSON
// payloads inside XML stanza extensions, and the extension shapes
// (ping/pong/notifications/request/response/update) that ride inside them.
package wire

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
)

// Namespace is the XML namespace carried by every charon stanza extension.
const Namespace = "https://xaya.io/charon/"

// Tag is a minimal XML element: a name, its attributes, literal character
// data, and an ordered list of children. It plays the role that
// gloox::Tag played in the original implementation; no general-purpose
// XML tree or XMPP library exists anywhere in the example pack, so Tag is
// a direct, narrow translation built on top of stdlib encoding/xml for
// tokenizing only.
type Tag struct {
	Name     string
	Attr     map[string]string
	CData    string
	Children []*Tag
}

// NewTag creates an empty tag with the given name.
func NewTag(name string) *Tag {
	return &Tag{Name: name, Attr: map[string]string{}}
}

// WithAttr sets an attribute and returns the tag for chaining.
func (t *Tag) WithAttr(key, val string) *Tag {
	if t.Attr == nil {
		t.Attr = map[string]string{}
	}
	t.Attr[key] = val
	return t
}

// AddChild appends a child tag and returns the parent for chaining.
func (t *Tag) AddChild(c *Tag) *Tag {
	t.Children = append(t.Children, c)
	return t
}

// GetAttr looks up an attribute by name.
func (t *Tag) GetAttr(key string) (string, bool) {
	v, ok := t.Attr[key]
	return v, ok
}

// Find returns the first immediate child with the given name, or nil.
func (t *Tag) Find(name string) *Tag {
	for _, c := range t.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Marshal renders the tag and its subtree as XML bytes.
func (t *Tag) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Tag) write(buf *bytes.Buffer) error {
	buf.WriteByte('<')
	buf.WriteString(t.Name)
	for k, v := range t.Attr {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteString(`="`)
		if err := xml.EscapeText(buf, []byte(v)); err != nil {
			return err
		}
		buf.WriteByte('"')
	}
	if t.CData == "" && len(t.Children) == 0 {
		buf.WriteString("/>")
		return nil
	}
	buf.WriteByte('>')
	if t.CData != "" {
		if err := xml.EscapeText(buf, []byte(t.CData)); err != nil {
			return err
		}
	}
	for _, c := range t.Children {
		if err := c.write(buf); err != nil {
			return err
		}
	}
	buf.WriteString("</")
	buf.WriteString(t.Name)
	buf.WriteByte('>')
	return nil
}

// ParseTag parses a single top-level XML element, and its subtree, from data.
func ParseTag(data []byte) (*Tag, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "charon/wire: parsing stanza XML")
		}
		if start, ok := tok.(xml.StartElement); ok {
			return parseElement(dec, start)
		}
	}
}

func parseElement(dec *xml.Decoder, start xml.StartElement) (*Tag, error) {
	t := &Tag{Name: localName(start.Name), Attr: map[string]string{}}
	for _, a := range start.Attr {
		t.Attr[localName(a.Name)] = a.Value
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "charon/wire: parsing stanza XML")
		}
		switch tt := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(dec, tt)
			if err != nil {
				return nil, err
			}
			t.Children = append(t.Children, child)
		case xml.CharData:
			t.CData += string(tt)
		case xml.EndElement:
			return t, nil
		}
	}
}

func localName(n xml.Name) string {
	if i := strings.LastIndexByte(n.Local, ':'); i >= 0 {
		return n.Local[i+1:]
	}
	return n.Local
}

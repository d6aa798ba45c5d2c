// Package enterprisedata reads and writes 1C EnterpriseData exchange messages.
//
// An object element of the message body is flattened into a mapping.WireObject keyed by
// dotted element paths relative to the object, e.g. "КлючевыеСвойства.Ссылка". Repeated
// elements are collected into []any.
package enterprisedata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
)

const (
	// NamespaceMessage qualifies the message envelope and header
	NamespaceMessage = "http://www.1c.ru/SSL/Exchange/Message"
	// NamespaceFormat is the EnterpriseData format the body is written in
	NamespaceFormat = "http://v8.1c.ru/edi/edi_stnd/EnterpriseData/1.8"
	// FormatVersion is advertised in AvailableVersion
	FormatVersion = "1.8"

	dateLayout = "2006-01-02T15:04:05"
)

// ErrNoBody is returned when a message carries no Body element
var ErrNoBody = errors.New("message has no body")

// Header is the msg:Header of an exchange message
type Header struct {
	Format            string
	CreationDate      time.Time
	ExchangePlan      string
	From              string
	To                string
	MessageNo         int64
	ReceivedNo        int64
	AvailableVersions []string
}

// Object is one element of the message body
type Object struct {
	Type   string
	Fields mapping.WireObject
}

// Message is a decoded exchange message
type Message struct {
	Header  Header
	Objects []Object
}

type xmlHeader struct {
	Format       string `xml:"Format"`
	CreationDate string `xml:"CreationDate"`
	Confirmation struct {
		ExchangePlan string `xml:"ExchangePlan"`
		To           string `xml:"To"`
		From         string `xml:"From"`
		MessageNo    string `xml:"MessageNo"`
		ReceivedNo   string `xml:"ReceivedNo"`
	} `xml:"Confirmation"`
	AvailableVersion []string `xml:"AvailableVersion"`
}

// Decode reads a whole message from r
func Decode(r io.Reader) (*Message, error) {
	d := xml.NewDecoder(r)
	msg := &Message{}
	seenBody := false
	depth := 0
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 2 && t.Name.Local == "Header":
				if err := decodeHeader(d, t, &msg.Header); err != nil {
					return nil, err
				}
				depth--
			case depth == 2 && t.Name.Local == "Body":
				seenBody = true
				objects, err := decodeBody(d)
				if err != nil {
					return nil, err
				}
				msg.Objects = objects
				depth--
			case depth == 2:
				if err := d.Skip(); err != nil {
					return nil, fmt.Errorf("failed to skip %s: %w", t.Name.Local, err)
				}
				depth--
			}
		case xml.EndElement:
			depth--
		}
	}
	if !seenBody {
		return nil, ErrNoBody
	}
	return msg, nil
}

func decodeHeader(d *xml.Decoder, start xml.StartElement, h *Header) error {
	var raw xmlHeader
	if err := d.DecodeElement(&raw, &start); err != nil {
		return fmt.Errorf("failed to decode header: %w", err)
	}
	h.Format = strings.TrimSpace(raw.Format)
	h.ExchangePlan = strings.TrimSpace(raw.Confirmation.ExchangePlan)
	h.From = strings.TrimSpace(raw.Confirmation.From)
	h.To = strings.TrimSpace(raw.Confirmation.To)
	h.AvailableVersions = raw.AvailableVersion
	if s := strings.TrimSpace(raw.CreationDate); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return fmt.Errorf("invalid CreationDate: %w", err)
		}
		h.CreationDate = t
	}
	var err error
	if h.MessageNo, err = parseNumber(raw.Confirmation.MessageNo); err != nil {
		return fmt.Errorf("invalid MessageNo: %w", err)
	}
	if h.ReceivedNo, err = parseNumber(raw.Confirmation.ReceivedNo); err != nil {
		return fmt.Errorf("invalid ReceivedNo: %w", err)
	}
	return nil
}

func decodeBody(d *xml.Decoder) ([]Object, error) {
	var objects []Object
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			fields, err := decodeObject(d)
			if err != nil {
				return nil, fmt.Errorf("object %d (%s): %w", len(objects)+1, t.Name.Local, err)
			}
			objects = append(objects, Object{Type: t.Name.Local, Fields: fields})
		case xml.EndElement:
			return objects, nil
		}
	}
}

// decodeObject flattens the children of the current element until its end tag
func decodeObject(d *xml.Decoder) (mapping.WireObject, error) {
	fields := mapping.WireObject{}
	var (
		path     []string
		text     strings.Builder
		hasChild []bool
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(hasChild) > 0 {
				hasChild[len(hasChild)-1] = true
			}
			path = append(path, t.Name.Local)
			hasChild = append(hasChild, false)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(path) == 0 {
				return fields, nil
			}
			if !hasChild[len(hasChild)-1] {
				addField(fields, strings.Join(path, "."), strings.TrimSpace(text.String()))
			}
			path = path[:len(path)-1]
			hasChild = hasChild[:len(hasChild)-1]
			text.Reset()
		}
	}
}

func addField(fields mapping.WireObject, key string, value string) {
	existing, ok := fields[key]
	if !ok {
		fields[key] = value
		return
	}
	if list, isList := existing.([]any); isList {
		fields[key] = append(list, value)
		return
	}
	fields[key] = []any{existing, value}
}

// Encode writes a message with the given header and objects to w
func Encode(w io.Writer, h Header, objects []Object) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	root := xml.StartElement{
		Name: xml.Name{Local: "Message"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "xmlns:msg"}, Value: NamespaceMessage},
			{Name: xml.Name{Local: "xmlns"}, Value: NamespaceFormat},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := encodeHeader(enc, h); err != nil {
		return err
	}

	body := xml.StartElement{Name: xml.Name{Local: "Body"}}
	if err := enc.EncodeToken(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	for _, obj := range objects {
		if obj.Type == "" {
			return errors.New("object without type")
		}
		if err := encodeNode(enc, buildTree(obj.Type, obj.Fields)); err != nil {
			return fmt.Errorf("failed to write %s: %w", obj.Type, err)
		}
	}
	if err := enc.EncodeToken(body.End()); err != nil {
		return err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeHeader(enc *xml.Encoder, h Header) error {
	format := h.Format
	if format == "" {
		format = NamespaceFormat
	}
	versions := h.AvailableVersions
	if len(versions) == 0 {
		versions = []string{FormatVersion}
	}
	header := &node{name: "msg:Header"}
	header.leaf("msg:Format", format)
	if !h.CreationDate.IsZero() {
		header.leaf("msg:CreationDate", h.CreationDate.Format(dateLayout))
	}
	confirmation := header.child("msg:Confirmation")
	confirmation.leaf("msg:ExchangePlan", h.ExchangePlan)
	confirmation.leaf("msg:To", h.To)
	confirmation.leaf("msg:From", h.From)
	confirmation.leaf("msg:MessageNo", strconv.FormatInt(h.MessageNo, 10))
	confirmation.leaf("msg:ReceivedNo", strconv.FormatInt(h.ReceivedNo, 10))
	for _, v := range versions {
		header.leaf("msg:AvailableVersion", v)
	}
	if err := encodeNode(enc, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

type node struct {
	name     string
	text     string
	children []*node
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name && len(c.children) > 0 {
			return c
		}
	}
	c := &node{name: name}
	n.children = append(n.children, c)
	return c
}

func (n *node) leaf(name, text string) {
	n.children = append(n.children, &node{name: name, text: text})
}

// buildTree reverses the flattening of decodeObject. Keys are sorted so the output is stable.
func buildTree(name string, fields mapping.WireObject) *node {
	root := &node{name: name}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		parent := root
		for _, p := range parts[:len(parts)-1] {
			parent = parent.child(p)
		}
		last := parts[len(parts)-1]
		if list, ok := fields[k].([]any); ok {
			for _, v := range list {
				parent.leaf(last, text(v))
			}
			continue
		}
		parent.leaf(last, text(fields[k]))
	}
	return root
}

func encodeNode(enc *xml.Encoder, n *node) error {
	start := xml.StartElement{Name: xml.Name{Local: n.name}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if len(n.children) == 0 && n.text != "" {
		if err := enc.EncodeToken(xml.CharData(n.text)); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(dateLayout)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}

func parseNumber(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

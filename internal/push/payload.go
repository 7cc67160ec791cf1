package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultTitle = "New notification"
	DefaultBody  = "Open the portal to view it."
	DefaultTag   = "portal-notification"
	RootPath     = "/"

	// LinkScheme prefixes deep links handed out as QR codes.
	LinkScheme = "portalchat"
)

// Payload is a push body as the provider delivers it.
type Payload struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data map[string]any `json:"data"`
}

// Rendered is a notification ready for the surface.
type Rendered struct {
	Tag         string            `json:"tag"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Destination string            `json:"destination"`
	Data        map[string]string `json:"data,omitempty"`
	Count       int               `json:"count,omitempty"`
	ReceivedAt  int64             `json:"receivedAt,omitempty"`
	Clicked     bool              `json:"clicked,omitempty"`
}

// Render turns a raw push body into a notification. It never fails: a body
// that cannot be decoded renders as the generic notification.
func Render(raw []byte) (Rendered, error) {
	p, err := decode(raw)
	if err != nil {
		p = Payload{}
		p.Notification.Body = DefaultBody
		err = fmt.Errorf("decode push payload: %w", err)
	}

	data := flatten(p.Data)
	r := Rendered{
		Title:       strings.TrimSpace(p.Notification.Title),
		Body:        strings.TrimSpace(p.Notification.Body),
		Data:        data,
		Destination: Destination(data),
		Tag:         DefaultTag,
	}
	if r.Title == "" {
		r.Title = DefaultTitle
	}
	if _, key := RoutingKey(data); key != "" {
		r.Tag = key
	}
	return r, err
}

// RoutingKey returns which resource a notification points at.
func RoutingKey(data map[string]string) (kind, id string) {
	if id := data["conversationId"]; id != "" {
		return "conversation", id
	}
	if id := data["appointmentId"]; id != "" {
		return "appointment", id
	}
	return "", ""
}

// Destination resolves the in-app path a click should land on.
func Destination(data map[string]string) string {
	switch kind, id := RoutingKey(data); kind {
	case "conversation":
		return "/chat/" + url.PathEscape(id)
	case "appointment":
		return "/appointments/" + url.PathEscape(id)
	default:
		return RootPath
	}
}

// ConversationFromDestination extracts the conversation id from a /chat/
// destination.
func ConversationFromDestination(dest string) (string, bool) {
	rest, ok := strings.CutPrefix(dest, "/chat/")
	if !ok || rest == "" {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// DeepLink turns an in-app destination into a link a window can open.
func DeepLink(dest string) string {
	return LinkScheme + "://" + strings.TrimPrefix(dest, "/")
}

// ParseLink accepts a deep link or a bare destination and returns the
// destination.
func ParseLink(s string) (string, error) {
	if strings.HasPrefix(s, "/") {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != LinkScheme {
		return "", fmt.Errorf("push: not a %s link: %q", LinkScheme, s)
	}
	return "/" + u.Host + u.EscapedPath(), nil
}

// decode keeps numbers as json.Number so ids survive without float
// formatting.
func decode(raw []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Payload{}, errors.New("trailing data after payload")
	}
	return p, nil
}

func flatten(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		case json.Number:
			out[k] = v.String()
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		default:
			b, err := json.Marshal(v)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

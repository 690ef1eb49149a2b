package wire

import "strconv"

// Tag names for the charon stanza extensions (§6).
const (
	TagPing          = "ping"
	TagPong          = "pong"
	TagNotifications = "notifications"
	TagNotification  = "notification"
	TagRequest       = "request"
	TagResponse      = "response"
	TagUpdate        = "update"
	TagMethod        = "method"
	TagParams        = "params"
	TagResult        = "result"
	TagError         = "error"
	TagMessage       = "message"
	TagData          = "data"
)

// NewPing builds the <ping/> handshake marker.
func NewPing() *Tag {
	return NewTag(TagPing).WithAttr("xmlns", Namespace)
}

// IsPing reports whether t is a <ping/> marker.
func IsPing(t *Tag) bool {
	return t != nil && t.Name == TagPing
}

// NewPong builds the <pong version="..."/> handshake reply marker.
func NewPong(version string) *Tag {
	return NewTag(TagPong).WithAttr("xmlns", Namespace).WithAttr("version", version)
}

// PongVersion extracts the version attribute from a <pong/> tag.
func PongVersion(t *Tag) (string, bool) {
	if t == nil || t.Name != TagPong {
		return "", false
	}
	return t.GetAttr("version")
}

// NewNotifications builds <notifications service="S"><notification
// type="T">nodeId</notification>...</notifications>.
func NewNotifications(service string, nodes map[string]string) *Tag {
	t := NewTag(TagNotifications).WithAttr("xmlns", Namespace).WithAttr("service", service)
	for typ, node := range nodes {
		t.AddChild(&Tag{Name: TagNotification, Attr: map[string]string{"type": typ}, CData: node})
	}
	return t
}

// DecodeNotifications parses a <notifications/> extension into its pub/sub
// service name and a notification-type -> nodeId map.
func DecodeNotifications(t *Tag) (service string, nodes map[string]string, ok bool) {
	if t == nil || t.Name != TagNotifications {
		return "", nil, false
	}
	service, ok = t.GetAttr("service")
	if !ok {
		return "", nil, false
	}
	nodes = map[string]string{}
	for _, c := range t.Children {
		if c.Name != TagNotification {
			return "", nil, false
		}
		typ, ok := c.GetAttr("type")
		if !ok {
			return "", nil, false
		}
		nodes[typ] = c.CData
	}
	return service, nodes, true
}

// NewRequest builds <request><method>M</method><params>...</params></request>.
// params must already be named TagParams, e.g. built via
// EncodeJSON(TagParams, args).
func NewRequest(method string, params *Tag) *Tag {
	t := NewTag(TagRequest).WithAttr("xmlns", Namespace)
	t.AddChild(&Tag{Name: TagMethod, CData: method})
	t.AddChild(params)
	return t
}

// DecodeRequest extracts the method name and params payload tag from a
// <request/> extension.
func DecodeRequest(t *Tag) (method string, params *Tag, ok bool) {
	if t == nil || t.Name != TagRequest {
		return "", nil, false
	}
	m := t.Find(TagMethod)
	p := t.Find(TagParams)
	if m == nil || p == nil {
		return "", nil, false
	}
	return m.CData, p, true
}

// NewResultResponse builds <response><result>...</result></response>.
// result must already be named TagResult.
func NewResultResponse(result *Tag) *Tag {
	return NewTag(TagResponse).WithAttr("xmlns", Namespace).AddChild(result)
}

// NewErrorResponse builds
// <response><error code="N"><message>..</message><data>...</data></error></response>.
// data, if non-nil, must already be named TagData.
func NewErrorResponse(code int, message string, data *Tag) *Tag {
	e := NewTag(TagError).WithAttr("code", strconv.Itoa(code))
	e.AddChild(&Tag{Name: "message", CData: message})
	if data != nil {
		e.AddChild(data)
	}
	return NewTag(TagResponse).WithAttr("xmlns", Namespace).AddChild(e)
}

// ResponseOutcome is the decoded success/error discriminator of a
// <response/> extension.
type ResponseOutcome struct {
	IsError bool
	Result  *Tag

	Code    int
	Message string
	Data    *Tag
}

// DecodeResponse decodes a <response/> extension.
func DecodeResponse(t *Tag) (*ResponseOutcome, bool) {
	if t == nil || t.Name != TagResponse {
		return nil, false
	}
	if res := t.Find(TagResult); res != nil {
		return &ResponseOutcome{Result: res}, true
	}
	errTag := t.Find(TagError)
	if errTag == nil {
		return nil, false
	}
	codeStr, ok := errTag.GetAttr("code")
	if !ok {
		return nil, false
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, false
	}
	msgTag := errTag.Find("message")
	if msgTag == nil {
		return nil, false
	}
	return &ResponseOutcome{
		IsError: true,
		Code:    code,
		Message: msgTag.CData,
		Data:    errTag.Find(TagData),
	}, true
}

// NewUpdate decorates an already-built payload tag (named TagUpdate, e.g.
// via EncodeJSON(TagUpdate, value)) with the notification type and
// namespace attributes, producing <update type="T">...</update>.
func NewUpdate(typ string, payload *Tag) *Tag {
	return payload.WithAttr("type", typ).WithAttr("xmlns", Namespace)
}

// DecodeUpdate extracts the notification type from an <update/> pub/sub item.
func DecodeUpdate(t *Tag) (typ string, ok bool) {
	if t == nil || t.Name != TagUpdate {
		return "", false
	}
	return t.GetAttr("type")
}

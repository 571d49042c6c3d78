// Package extract turns the untyped argument list of an intercepted
// notification call into a validated record.
package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/manamana32321/betternotify/internal/template"
)

// Kind classifies one hook argument.
type Kind int

const (
	KindUnknown Kind = iota
	KindAvatarAttachment
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindAvatarAttachment:
		return "avatar-attachment"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Arg is a classified hook argument.
type Arg struct {
	Kind   Kind
	Fields map[string]any
}

// Layout names the positional slots of the hook call. A negative index
// disables the slot.
type Layout struct {
	Icon     int `yaml:"icon"`
	Title    int `yaml:"title"`
	Body     int `yaml:"body"`
	Tracking int `yaml:"tracking"`
	Options  int `yaml:"options"`
}

// DefaultLayout matches (icon, title, body, trackingProps, options).
func DefaultLayout() Layout {
	return Layout{Icon: 0, Title: 1, Body: 2, Tracking: 3, Options: 4}
}

// Result is everything pulled out of one hook call.
type Result struct {
	Fields        template.FieldMap
	AttachmentURL string
	SenderAvatar  string
	SenderID      string
	ChannelID     string
	ChannelName   string
	MessageID     string
	GuildID       string

	// Raw positional values, kept for diagnostics.
	IconURL  string
	RawTitle string
	RawBody  string
}

// Classify inspects a single argument.
func Classify(v any) Arg {
	m, ok := asMap(v)
	if !ok {
		return Arg{Kind: KindUnknown}
	}
	if truthy(m["isUserAvatar"]) {
		return Arg{Kind: KindAvatarAttachment, Fields: m}
	}
	if truthy(m["body"]) || truthy(m["content"]) {
		return Arg{Kind: KindRecord, Fields: m}
	}
	return Arg{Kind: KindUnknown, Fields: m}
}

// Extract classifies every argument and collects fields and identifiers.
// It never fails: shapes it does not understand leave values empty.
func Extract(args []any, layout Layout) Result {
	var res Result
	var record map[string]any

	for _, raw := range args {
		arg := Classify(raw)
		switch arg.Kind {
		case KindAvatarAttachment:
			if url := firstAttachmentURL(arg.Fields); url != "" && res.AttachmentURL == "" {
				res.AttachmentURL = url
			}
		case KindRecord:
			if record != nil {
				continue
			}
			record = arg.Fields
			res.Fields = fieldsOf(record)
			res.SenderAvatar = str(record["senderAvatar"])
			res.SenderID = firstNonEmpty(str(record["senderId"]), str(record["senderID"]))
		}
	}

	res.IconURL = str(slot(args, layout.Icon))
	res.RawTitle = str(slot(args, layout.Title))
	res.RawBody = str(slot(args, layout.Body))

	if tracking, ok := asMap(slot(args, layout.Tracking)); ok {
		res.MessageID = str(tracking["message_id"])
		res.GuildID = str(tracking["guild_id"])
	}
	if options, ok := asMap(slot(args, layout.Options)); ok {
		if rec, ok := asMap(options["messageRecord"]); ok {
			res.ChannelID = str(rec["channel_id"])
			if res.MessageID == "" {
				res.MessageID = str(rec["id"])
			}
		}
	}

	if record != nil {
		res.ChannelID = firstNonEmpty(res.ChannelID, str(record["channel_id"]), str(record["channelId"]))
		res.MessageID = firstNonEmpty(res.MessageID, str(record["message_id"]), str(record["messageId"]), str(record["id"]))
		res.GuildID = firstNonEmpty(res.GuildID, str(record["guild_id"]), str(record["guildId"]))
		res.ChannelName = firstNonEmpty(str(record["channelName"]), str(record["groupName"]))
	}
	return res
}

func fieldsOf(record map[string]any) template.FieldMap {
	names := make([]string, 0, len(record))
	for name := range record {
		names = append(names, name)
	}
	sort.Strings(names)

	var f template.FieldMap
	for _, name := range names {
		f.Add(name, Stringify(record[name]))
	}
	return f
}

func firstAttachmentURL(marker map[string]any) string {
	rec, ok := asMap(marker["messageRecord"])
	if !ok {
		return ""
	}
	list, ok := rec["attachments"].([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	first, ok := asMap(list[0])
	if !ok {
		return ""
	}
	return str(first["url"])
}

// Stringify renders a decoded value the way it reads in a template.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			if e == nil {
				continue
			}
			parts[i] = Stringify(e)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(x, ",")
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func slot(args []any, i int) any {
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i]
}

// str returns identifiers and text fields; absent values are "".
func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	switch v.(type) {
	case float64, int, int64, json.Number:
		return Stringify(v)
	}
	return ""
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

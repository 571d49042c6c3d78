package renderer

import (
	"encoding/xml"
	"math"
	"strings"
	"time"
)

// readingRate is words per minute used to size the display timeout.
const readingRate = 120

// Button is an explicit notification action. Key is what the backend
// reports back when it is pressed.
type Button struct {
	Key   string
	Label string
}

const (
	ButtonIgnore = "ignore"
	ButtonSend   = "send"
)

// Descriptor is everything a Display needs to show one notification.
// Handlers are called at most once per interaction; OnReply is nil when
// reply capture is unavailable.
type Descriptor struct {
	ID               string
	AppName          string
	Title            string
	Body             string
	ImagePath        string
	HeroPath         string
	Markup           string
	Reply            bool
	ReplyPlaceholder string
	Buttons          []Button
	Timeout          time.Duration

	OnClick func()
	OnReply func(text string)
}

// Style holds the presentation settings applied to rich notifications.
type Style struct {
	AppName          string
	Header           bool
	AttributionText  string
	AvatarCrop       bool
	ReplyPlaceholder string
}

// Timeout gives readers about two seconds plus the time to read the text
// at readingRate.
func Timeout(title, body string) time.Duration {
	words := len(strings.Fields(title)) + len(strings.Fields(body))
	secs := math.Round(float64(words)/readingRate*60) + 2
	return time.Duration(secs) * time.Second
}

type toast struct {
	XMLName xml.Name      `xml:"toast"`
	Launch  string        `xml:"launch,attr,omitempty"`
	Header  *toastHeader  `xml:"header"`
	Visual  toastVisual   `xml:"visual"`
	Actions *toastActions `xml:"actions"`
}

type toastHeader struct {
	ID        string `xml:"id,attr"`
	Title     string `xml:"title,attr"`
	Arguments string `xml:"arguments,attr"`
}

type toastVisual struct {
	Binding toastBinding `xml:"binding"`
}

type toastBinding struct {
	Template string       `xml:"template,attr"`
	Texts    []toastText  `xml:"text"`
	Images   []toastImage `xml:"image"`
}

type toastText struct {
	Placement string `xml:"placement,attr,omitempty"`
	Value     string `xml:",chardata"`
}

type toastImage struct {
	Src       string `xml:"src,attr"`
	Placement string `xml:"placement,attr,omitempty"`
	HintCrop  string `xml:"hint-crop,attr,omitempty"`
}

type toastActions struct {
	Inputs  []toastInput  `xml:"input"`
	Actions []toastAction `xml:"action"`
}

type toastInput struct {
	ID          string `xml:"id,attr"`
	Type        string `xml:"type,attr"`
	PlaceHolder string `xml:"placeHolderContent,attr,omitempty"`
}

type toastAction struct {
	Content        string `xml:"content,attr"`
	Arguments      string `xml:"arguments,attr"`
	ActivationType string `xml:"activationType,attr,omitempty"`
	HintInputID    string `xml:"hint-inputId,attr,omitempty"`
}

// markup is what toastXML renders from.
type markup struct {
	channelID   string
	channelName string
	title       string
	body        string
	avatar      string
	hero        string
	crop        bool
	attribution string
	reply       bool
	placeholder string
}

// toastXML renders an adaptive toast. Text is escaped by encoding/xml.
func toastXML(m markup) (string, error) {
	t := toast{
		Launch: "click",
		Visual: toastVisual{Binding: toastBinding{
			Template: "ToastGeneric",
			Texts:    []toastText{{Value: m.title}, {Value: m.body}},
		}},
	}
	if m.channelName != "" {
		t.Header = &toastHeader{ID: m.channelID, Title: "#" + m.channelName, Arguments: "click"}
	}

	b := &t.Visual.Binding
	if m.avatar != "" {
		img := toastImage{Src: m.avatar, Placement: "appLogoOverride"}
		if m.crop {
			img.HintCrop = "circle"
		}
		b.Images = append(b.Images, img)
	}
	if m.hero != "" {
		b.Images = append(b.Images, toastImage{Src: m.hero, Placement: "hero"})
	}
	if m.attribution != "" {
		b.Texts = append(b.Texts, toastText{Placement: "attribution", Value: m.attribution})
	}

	if m.reply {
		t.Actions = &toastActions{
			Inputs: []toastInput{{ID: "reply", Type: "text", PlaceHolder: m.placeholder}},
			Actions: []toastAction{
				{Content: "Send", Arguments: ButtonSend, ActivationType: "background", HintInputID: "reply"},
				{Content: "Ignore", Arguments: ButtonIgnore, ActivationType: "system"},
			},
		}
	}

	out, err := xml.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

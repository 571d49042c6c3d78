package renderer

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is one feature a display backend may support.
type Capability string

const (
	CapClick      Capability = "click"
	CapReply      Capability = "reply"
	CapActions    Capability = "actions"
	CapRichMarkup Capability = "rich-markup"
	CapAvatarCrop Capability = "avatar-crop"
	CapImages     Capability = "images"
)

var allCapabilities = []Capability{CapClick, CapReply, CapActions, CapRichMarkup, CapAvatarCrop, CapImages}

// Capabilities is the set of features a backend reports. The zero value
// supports nothing.
type Capabilities map[Capability]bool

func NewCapabilities(caps ...Capability) Capabilities {
	c := make(Capabilities, len(caps))
	for _, cp := range caps {
		c[cp] = true
	}
	return c
}

// ParseCapabilities reads capability names as they appear in config.
func ParseCapabilities(names []string) (Capabilities, error) {
	c := make(Capabilities, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if !known(Capability(n)) {
			return nil, fmt.Errorf("unknown capability %q", n)
		}
		c[Capability(n)] = true
	}
	return c, nil
}

func known(c Capability) bool {
	for _, k := range allCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

func (c Capabilities) Has(cp Capability) bool { return c[cp] }

func (c Capabilities) String() string {
	names := make([]string, 0, len(c))
	for cp, ok := range c {
		if ok {
			names = append(names, string(cp))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

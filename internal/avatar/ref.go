package avatar

import (
	"net/url"
	"path"
	"strings"
)

// Ref identifies an avatar image. Either UserID/AvatarID are set (a CDN
// avatar) or URL is (any other image the client sent).
type Ref struct {
	UserID   string
	AvatarID string
	URL      string
}

// ParseRef interprets the avatar_url of a notification. It accepts a bare
// avatar id, which needs userID to be downloadable, or a full image URL.
// CDN avatar URLs (/avatars/{user}/{avatar}.ext) are split into their ids so
// they share the cache entry of the bare form.
func ParseRef(avatarURL, userID string) (Ref, bool) {
	avatarURL = strings.TrimSpace(avatarURL)
	if avatarURL == "" {
		return Ref{}, false
	}
	if !strings.Contains(avatarURL, "://") {
		return Ref{UserID: userID, AvatarID: avatarURL}, true
	}

	u, err := url.Parse(avatarURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Ref{}, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "avatars" && parts[1] != "" {
		file := parts[2]
		id := strings.TrimSuffix(file, path.Ext(file))
		if id != "" {
			return Ref{UserID: parts[1], AvatarID: id}, true
		}
	}
	return Ref{URL: avatarURL}, true
}

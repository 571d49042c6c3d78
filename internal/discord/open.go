package discord

import (
	"context"
	"os/exec"
	"runtime"
)

// Opener hands a URL to the desktop.
type Opener func(ctx context.Context, url string) error

// ChannelLink is the deep link Discord clients open a channel from. Direct
// messages have no guild and use @me.
func ChannelLink(guildID, channelID string) string {
	if guildID == "" || guildID == "none" {
		guildID = "@me"
	}
	return "https://discord.com/channels/" + guildID + "/" + channelID
}

// OpenURL uses the platform's default handler.
func OpenURL(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Run()
}

// Package discord adapts a discordgo session to the [audio.Platform] and
// [audio.Connection] interfaces. Incoming voice is demuxed by SSRC into
// per-user compressed Opus frame subscriptions; decoding is left to the
// capture pipeline.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/voxscribe/voxscribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] on top of an authenticated
// discordgo session.
type Platform struct {
	session *discordgo.Session
}

// NewPlatform wraps an already-opened discordgo session.
func NewPlatform(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins the given guild voice channel and returns a [Connection]
// once the voice websocket is ready. The join runs on its own goroutine so
// ctx can bound the ready wait.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	res := make(chan joinResult, 1)

	go func() {
		// mute=true: this bot only listens. deaf=false so OpusRecv flows.
		vc, err := p.session.ChannelVoiceJoin(guildID, channelID, true, false)
		res <- joinResult{vc: vc, err: err}
	}()

	select {
	case <-ctx.Done():
		// The join goroutine cleans up on its own once it resolves.
		go func() {
			r := <-res
			if r.err == nil && r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: voice channel %s not ready: %w", channelID, ctx.Err())
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %s: %w", channelID, r.err)
		}
		return newConnection(r.vc, channelID), nil
	}
}

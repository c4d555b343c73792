package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord listens to a bot session for message-create events.
type Discord struct {
	Token  string
	Filter Filter
	Log    *zap.Logger
}

func (d *Discord) Run(ctx context.Context, handle func(Message)) error {
	if d.Token == "" {
		return errors.New("discord: missing bot token")
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	token := d.Token
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return fmt.Errorf("discord: session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	// discordgo dispatches handlers on their own goroutines; funnel them so
	// the pipeline sees one message at a time.
	msgs := make(chan Message, 64)
	remove := s.AddHandler(func(sess *discordgo.Session, mc *discordgo.MessageCreate) {
		self := ""
		if sess.State != nil && sess.State.User != nil {
			self = sess.State.User.ID
		}
		m, ok := fromDiscord(mc.Message, self)
		if !ok {
			return
		}
		if !d.Filter.Allow(m) {
			log.Debug("discord message filtered",
				zap.String("message_id", m.ID),
				zap.String("channel", m.Channel),
				zap.String("author", m.Author),
				zap.String("author_name", m.AuthorName))
			return
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	})
	defer remove()

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	defer s.Close()
	log.Info("discord connected",
		zap.Strings("channels", d.Filter.Channels),
		zap.Strings("authors", d.Filter.Authors))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			handle(m)
		}
	}
}

// fromDiscord converts a gateway message. Only the session's own posts are
// skipped; alert services often post through bots or webhooks, so those are
// left to the author filter.
func fromDiscord(dm *discordgo.Message, selfID string) (Message, bool) {
	if dm == nil || dm.Content == "" {
		return Message{}, false
	}
	m := Message{
		ID:      dm.ID,
		Channel: dm.ChannelID,
		Text:    dm.Content,
		Time:    dm.Timestamp,
	}
	if dm.Author != nil {
		if selfID != "" && dm.Author.ID == selfID {
			return Message{}, false
		}
		m.Author = dm.Author.ID
		m.AuthorName = dm.Author.Username
		if dm.Author.GlobalName != "" {
			m.AuthorName = dm.Author.GlobalName
		}
	}
	if dm.Member != nil && dm.Member.Nick != "" {
		m.AuthorName = dm.Member.Nick
	}
	return m, true
}

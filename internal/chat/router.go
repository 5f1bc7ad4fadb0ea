package chat

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// commandPrefix is the prefix that triggers command handling.
const commandPrefix = "!hub"

// slowVerbs are commands that call external services. The router sends an
// acknowledgment and runs them on their own goroutine.
var slowVerbs = map[string]bool{
	"generate": true,
	"refine":   true,
	"publish":  true,
	"run":      true,
}

// Router classifies inbound chat messages and routes them to the command
// handler, or ignores them.
type Router struct {
	cmdHandler *CommandHandler
	sessions   *SessionManager
	adapter    Adapter
	botUserID  string // the bot's own user ID (to filter self-messages)

	ackMu   sync.Mutex
	ackDeck []string // shuffled phrases, popped from end

	inflight sync.WaitGroup
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	CmdHandler *CommandHandler
	Sessions   *SessionManager
	Adapter    Adapter
	BotUserID  string // bot's user ID for self-message filtering
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("chat: router: command handler is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("chat: router: session manager is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: router: adapter is required")
	}
	return &Router{
		cmdHandler: opts.CmdHandler,
		sessions:   opts.Sessions,
		adapter:    opts.Adapter,
		botUserID:  opts.BotUserID,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Command prefix "!hub" → command handler
//  3. @mention followed by a known command → command handler
//  4. Session verb from a user with a draft in this thread → command handler
//  5. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	log := logrus.WithFields(logrus.Fields{
		"channel": msg.ChannelID,
		"thread":  msg.ThreadID,
		"user":    msg.UserName,
	})
	log.Debugf("chat: router: recv %q", truncate(text, 80))

	var command string
	switch {
	case isCommand(text):
		command = strings.TrimSpace(strings.TrimPrefix(text, commandPrefix))
	case r.extractMentionCommand(text) != "":
		command = r.extractMentionCommand(text)
	case r.isSessionReply(msg, text):
		command = text
	default:
		log.Debug("chat: router: ignore")
		return
	}

	verb, _ := splitCommand(command)
	if !slowVerbs[verb] {
		r.respond(ctx, msg, command, log)
		return
	}

	r.sendAck(ctx, msg)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.respond(ctx, msg, command, log)
	}()
}

// Wait blocks until every slow command started by Handle has replied.
func (r *Router) Wait() {
	r.inflight.Wait()
}

// respond executes command and sends the reply to the message's thread.
func (r *Router) respond(ctx context.Context, msg InboundMessage, command string, log *logrus.Entry) {
	reply := r.cmdHandler.Execute(ctx, msg, command)
	reply.ChannelID = msg.ChannelID
	reply.ThreadID = msg.ThreadID
	if err := r.adapter.Send(ctx, reply); err != nil {
		log.Errorf("chat: router: send command response: %v", err)
	}
}

// isSessionReply reports whether text is a bare session verb from a user
// with a draft in this thread.
func (r *Router) isSessionReply(msg InboundMessage, text string) bool {
	verb, _ := splitCommand(text)
	return sessionVerbs[verb] && r.sessions.Has(keyFor(msg))
}

// resolveThreadID returns the effective thread ID for session lookups.
// For top-level channel messages (empty threadID), the channel ID is used
// as the thread key.
func resolveThreadID(channelID, threadID string) string {
	if threadID == "" {
		return channelID
	}
	return threadID
}

// ackPhrases are the acknowledgment messages the bot sends before slow work.
var ackPhrases = []string{
	"On it.",
	"Working on it...",
	"Give me a moment.",
	"Copy that, working on it now.",
	"Roger that. Give me a sec.",
	"Talking to the networks...",
	"Let me see what I can do.",
	"Already on it.",
}

// sendAck sends an acknowledgment so the user knows the bot received the
// request. It cycles through all phrases in shuffled order before repeating.
func (r *Router) sendAck(ctx context.Context, msg InboundMessage) {
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      r.nextAck(),
	}); err != nil {
		logrus.Errorf("chat: router: send ack: %v", err)
	}
}

// nextAck returns the next ack phrase from the shuffled deck.
func (r *Router) nextAck() string {
	r.ackMu.Lock()
	defer r.ackMu.Unlock()

	if len(r.ackDeck) == 0 {
		r.ackDeck = make([]string, len(ackPhrases))
		copy(r.ackDeck, ackPhrases)
		rand.Shuffle(len(r.ackDeck), func(i, j int) {
			r.ackDeck[i], r.ackDeck[j] = r.ackDeck[j], r.ackDeck[i]
		})
	}

	phrase := r.ackDeck[len(r.ackDeck)-1]
	r.ackDeck = r.ackDeck[:len(r.ackDeck)-1]
	return phrase
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// mentionRe matches Discord (<@ID>, <@!ID>) and Slack (<@U123>) mentions.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// knownCommands is the set of top-level commands accepted after a mention.
var knownCommands = map[string]bool{
	"help":     true,
	"list":     true,
	"status":   true,
	"cancel":   true,
	"run":      true,
	"generate": true,
	"post":     true,
}

// extractMentionCommand checks if the message is a bot @mention followed by
// a known command. Returns the command text (without the mention) if so,
// or empty string if not.
func (r *Router) extractMentionCommand(text string) string {
	if !mentionRe.MatchString(text) {
		return ""
	}
	stripped := strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
	if stripped == "" {
		return ""
	}
	verb, _ := splitCommand(stripped)
	if knownCommands[verb] || sessionVerbs[verb] {
		return stripped
	}
	return ""
}

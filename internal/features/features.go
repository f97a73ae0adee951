// Package features holds the handlers bundled with Geode: the ping/pong
// chat responder, chat filtering, chat commands and user data lookup.
package features

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/extension"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/util"
)

const sendTimeout = 5 * time.Second

// UserInfo is the user data the client reported for the session.
type UserInfo struct {
	ID      int32     `json:"id"`
	Name    string    `json:"name"`
	Figure  string    `json:"figure"`
	Gender  string    `json:"gender"`
	Motto   string    `json:"motto"`
	Fetched time.Time `json:"fetched"`
}

// Features installs and drives the bundled handlers.
type Features struct {
	x        *extension.Extension
	settings func() config.FeaturesConfig
	logger   zerolog.Logger

	mu   sync.RWMutex
	user *UserInfo
	subs []*intercept.Subscription
}

// New creates the bundled handlers. settings is read on every packet so
// toggles take effect immediately.
func New(x *extension.Extension, settings func() config.FeaturesConfig) *Features {
	return &Features{
		x:        x,
		settings: settings,
		logger:   util.ComponentLogger("features"),
	}
}

// Install registers every handler.
func (f *Features) Install() {
	f.subs = append(f.subs,
		f.x.Intercept(messages.In("Ping"), "features.ping", f.onPing),
		f.x.Intercept(messages.In("Chat"), "features.pong", f.onChatPing),
		f.x.Intercept(messages.In("Shout"), "features.pong", f.onChatPing),
		f.x.Intercept(messages.In("Whisper"), "features.pong", f.onChatPing),
		f.x.Intercept(messages.In("Chat"), "features.filter", f.onIncomingChat),
		f.x.Intercept(messages.In("Shout"), "features.filter", f.onIncomingChat),
		f.x.Intercept(messages.In("Whisper"), "features.filter", f.onIncomingChat),
		f.x.Intercept(messages.Out("Chat"), "features.commands", f.onOutgoingChat),
		f.x.Intercept(messages.In("UserData"), "features.userdata", f.onUserData),
	)
	f.x.On(events.EventGameConnected, "features.userdata", f.onConnected)
	f.x.On(events.EventActivated, "features.userdata", f.onActivated)
	f.x.On(events.EventGameDisconnected, "features.userdata", f.onDisconnected)
}

// Uninstall removes every handler.
func (f *Features) Uninstall() {
	for _, s := range f.subs {
		s.Cancel()
	}
	f.subs = nil
	f.x.Events().Unsubscribe(events.EventGameConnected, "features.userdata")
	f.x.Events().Unsubscribe(events.EventActivated, "features.userdata")
	f.x.Events().Unsubscribe(events.EventGameDisconnected, "features.userdata")
}

// User returns the user data of the current session, if fetched.
func (f *Features) User() (UserInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.user == nil {
		return UserInfo{}, false
	}
	return *f.user, true
}

func (f *Features) send(ident messages.Identity, values ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return f.x.SendValues(ctx, ident, values...)
}

// onPing only traces the server keep-alive; the client answers it itself.
func (f *Features) onPing(*intercept.Intercept) error {
	f.logger.Trace().Msg("received ping")
	return nil
}

// onChatPing shouts "pong" when someone says "ping".
func (f *Features) onChatPing(e *intercept.Intercept) error {
	if !f.settings().PingPong {
		return nil
	}
	if !strings.Contains(e.Message().String(1), "ping") {
		return nil
	}
	return f.send(messages.Out("Shout"), "pong", 0)
}

func (f *Features) onIncomingChat(e *intercept.Intercept) error {
	s := f.settings()
	if !s.ChatFilter {
		return nil
	}

	msg := e.Message()
	text := msg.String(1)
	lower := strings.ToLower(text)
	// Blocked words drop the whole line
	for _, word := range s.BlockWords {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			e.Block()
			return nil
		}
	}

	// Replacements apply in configured order
	replaced := text
	for _, r := range s.Replacements {
		if r.From != "" {
			replaced = strings.ReplaceAll(replaced, r.From, r.To)
		}
	}
	if replaced == text {
		return nil
	}
	return e.Replace(msg.With(1, replaced))
}

// onOutgoingChat turns "/command" chat lines into game actions. No line
// starting with "/" reaches the server as chat, known command or not.
func (f *Features) onOutgoingChat(e *intercept.Intercept) error {
	if !f.settings().Commands {
		return nil
	}
	text := e.Message().String(0)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	e.Block()

	// Bare "/" stays blocked
	args := strings.Fields(text[1:])
	if len(args) == 0 {
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "wave":
		return f.send(messages.Out("AvatarExpression"), 1)

	case "walk":
		if len(args) != 3 {
			return f.whisper("usage: /walk <x> <y>")
		}
		x, errX := strconv.Atoi(args[1])
		y, errY := strconv.Atoi(args[2])
		if errX != nil || errY != nil {
			return f.whisper("usage: /walk <x> <y>")
		}
		return f.send(messages.Out("MoveAvatar"), x, y)

	case "whoami":
		if u, ok := f.User(); ok {
			return f.whisper(fmt.Sprintf("You are %s (id %d)", u.Name, u.ID))
		}
		return f.whisper("user data not loaded yet")
	}
	return nil
}

// whisper shows text to the local user only.
func (f *Features) whisper(text string) error {
	return f.send(messages.In("Whisper"), 0, text, 0, 0, 0, 0)
}

func (f *Features) onUserData(e *intercept.Intercept) error {
	f.storeUser(e.Message())
	return nil
}

func (f *Features) storeUser(m *messages.Message) {
	u := &UserInfo{
		ID:      m.Int(0),
		Name:    m.String(1),
		Figure:  m.String(2),
		Gender:  m.String(3),
		Motto:   m.String(4),
		Fetched: time.Now(),
	}
	// Replaces whatever the previous session left
	f.mu.Lock()
	f.user = u
	f.mu.Unlock()
}

// onConnected asks for the user data of a connection the host joined after
// login; the reply is picked up by onUserData.
func (f *Features) onConnected(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.ConnectedPayload)
	if !ok || !p.PreEstablished || !f.settings().RequestUserData {
		return nil
	}
	if err := f.x.SendValues(ctx, messages.Out("GetUserData")); err != nil {
		return fmt.Errorf("request user data: %w", err)
	}
	f.logger.Debug().Str("session", p.SessionID).Msg("requested user data for pre-established connection")
	return nil
}

func (f *Features) onActivated(ctx context.Context, _ events.Event) error {
	if !f.settings().RequestUserData {
		return nil
	}
	msg, err := f.x.RequestDefault(ctx, messages.NewMessage(messages.Out("GetUserData")))
	if err != nil {
		return fmt.Errorf("request user data: %w", err)
	}
	f.storeUser(msg)
	u, _ := f.User()
	f.logger.Info().Int32("id", u.ID).Str("name", u.Name).Msg("user data loaded")
	f.x.Log(fmt.Sprintf("Logged in as %s", u.Name))
	return nil
}

func (f *Features) onDisconnected(context.Context, events.Event) error {
	f.mu.Lock()
	f.user = nil
	f.mu.Unlock()
	return nil
}

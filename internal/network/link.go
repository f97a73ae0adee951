package network

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/util"
)

// Link is the extension's side of the host protocol.
type Link struct {
	conn        *Connection
	readTimeout time.Duration
	logger      zerolog.Logger
}

// NewLink wraps a connection. readTimeout of zero waits indefinitely for the
// next host message.
func NewLink(conn *Connection, readTimeout time.Duration) *Link {
	return &Link{
		conn:        conn,
		readTimeout: readTimeout,
		logger:      util.ComponentLogger("link"),
	}
}

// Dial connects to the host and returns a link.
func Dial(ctx context.Context, addr string, readTimeout time.Duration) (*Link, error) {
	conn, err := DialConnection(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewLink(conn, readTimeout), nil
}

// Next blocks until the next host event. Messages that cannot be decoded are
// logged and skipped; only link failures are returned.
func (l *Link) Next() (HostEvent, error) {
	for {
		id, body, err := l.conn.ReadMessage(l.readTimeout)
		if err != nil {
			return nil, err
		}

		// Unknown host messages are skipped
		ev, err := DecodeHostEvent(id, body)
		if err != nil {
			l.logger.Warn().Err(err).Uint16("message", id).Int("bytes", len(body)).Msg("skipping host message")
			continue
		}
		return ev, nil
	}
}

// Reply answers an intercepted packet.
func (l *Link) Reply(rep Reply) error {
	body, err := encodeReply(rep)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(ExtManipulatedPacket, body)
}

// Send injects a packet towards the client or the server.
func (l *Link) Send(f protocol.Frame) error {
	body, err := encodeSend(f)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(ExtSendMessage, body)
}

// SendInfo answers the host's info request.
func (l *Link) SendInfo(info ExtensionInfo) error {
	body, err := encodeInfo(info)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(ExtInfo, body)
}

// Log writes a line to the host's extension console.
func (l *Link) Log(text string) error {
	body, err := encodeLog(text)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(ExtConsoleLog, body)
}

// RequestFlags asks the host for its command line flags.
func (l *Link) RequestFlags() error {
	return l.conn.WriteMessage(ExtRequestFlags, nil)
}

// Close closes the link.
func (l *Link) Close() error {
	return l.conn.Close()
}

// LastActivity returns the time of the last message in either direction.
func (l *Link) LastActivity() time.Time {
	return l.conn.LastActivity()
}

// RemoteAddr returns the host address.
func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

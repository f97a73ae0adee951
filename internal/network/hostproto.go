// Package network implements the loopback link between an extension and the
// packet-sniffing host: message framing, the typed host protocol and the
// connection that carries it.
package network

import (
	"fmt"

	"github.com/geode-project/geode/internal/protocol"
)

// Messages sent by the host to the extension.
const (
	HostClick           uint16 = 1
	HostInfoRequest     uint16 = 2
	HostPacketIntercept uint16 = 3
	HostFlagsCheck      uint16 = 4
	HostConnectionStart uint16 = 5
	HostConnectionEnd   uint16 = 6
	HostInit            uint16 = 7
)

// Messages sent by the extension to the host.
const (
	ExtInfo              uint16 = 1
	ExtManipulatedPacket uint16 = 2
	ExtRequestFlags      uint16 = 3
	ExtSendMessage       uint16 = 4
	ExtConsoleLog        uint16 = 98
)

// Action tells the host what to do with an intercepted packet.
type Action byte

const (
	ActionForward  Action = 0
	ActionModified Action = 1
	ActionBlock    Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionModified:
		return "modified"
	case ActionBlock:
		return "block"
	}
	return fmt.Sprintf("action(%d)", byte(a))
}

// HostEvent is a decoded message from the host.
type HostEvent interface {
	hostMessageID() uint16
}

// Click is the host's activation signal (the user pressed the extension's
// play button).
type Click struct{}

// InfoRequest asks the extension to describe itself.
type InfoRequest struct{}

// Intercept carries one intercepted game packet awaiting a verdict.
type Intercept struct {
	Frame protocol.Frame
}

// FlagsCheck carries the host's command line flags.
type FlagsCheck struct {
	Flags []string
}

// ConnectionStart reports a game connection.
type ConnectionStart struct {
	Host             string
	Port             int
	ClientVersion    string
	ClientIdentifier string
	ClientType       string
	PreEstablished   bool
}

// ConnectionEnd reports the end of the game connection.
type ConnectionEnd struct{}

// Init is sent once after the handshake.
type Init struct {
	GameConnected bool
}

func (Click) hostMessageID() uint16           { return HostClick }
func (InfoRequest) hostMessageID() uint16     { return HostInfoRequest }
func (Intercept) hostMessageID() uint16       { return HostPacketIntercept }
func (FlagsCheck) hostMessageID() uint16      { return HostFlagsCheck }
func (ConnectionStart) hostMessageID() uint16 { return HostConnectionStart }
func (ConnectionEnd) hostMessageID() uint16   { return HostConnectionEnd }
func (Init) hostMessageID() uint16            { return HostInit }

// ExtensionInfo describes the extension to the host.
type ExtensionInfo struct {
	Title       string
	Author      string
	Version     string
	Description string
	UseClick    bool
	CanLeave    bool
	CanDelete   bool
}

// Reply is the extension's verdict on an intercepted packet.
type Reply struct {
	Seq       int32
	Direction protocol.Direction
	Action    Action
	WireID    protocol.WireID
	Payload   []byte
}

// The host link encodes its bodies with the Flash primitive rules.
func newBody() *protocol.PacketBuilder {
	return protocol.NewPacketBuilder(protocol.ClientFlash, protocol.Outbound)
}

func newBodyReader(body []byte) *protocol.PacketReader {
	return protocol.NewPacketReader(protocol.ClientFlash, protocol.Outbound, body)
}

func directionByte(d protocol.Direction) byte {
	if d == protocol.Outbound {
		return 1
	}
	return 0
}

func parseDirectionByte(b byte) (protocol.Direction, error) {
	switch b {
	case 0:
		return protocol.Inbound, nil
	case 1:
		return protocol.Outbound, nil
	}
	return protocol.DirectionUnknown, fmt.Errorf("invalid direction byte %d", b)
}

func writePacket(b *protocol.PacketBuilder, dir protocol.Direction, id protocol.WireID, payload []byte) {
	b.WriteByte(directionByte(dir)).
		WriteShort(int16(id)).
		WriteInt(int32(len(payload))).
		WriteBytes(payload)
}

func readPacket(r *protocol.PacketReader) (protocol.Direction, protocol.WireID, []byte, error) {
	db, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	dir, err := parseDirectionByte(db)
	if err != nil {
		return 0, 0, nil, err
	}
	id, err := r.ReadShort()
	if err != nil {
		return 0, 0, nil, err
	}
	n, err := r.ReadInt()
	if err != nil {
		return 0, 0, nil, err
	}
	payload, err := r.ReadBytes(int(n))
	if err != nil {
		return 0, 0, nil, err
	}
	return dir, protocol.WireID(uint16(id)), payload, nil
}

// DecodeHostEvent decodes a host message. Unknown ids return an error.
func DecodeHostEvent(id uint16, body []byte) (HostEvent, error) {
	r := newBodyReader(body)

	switch id {
	case HostClick:
		return Click{}, nil
	case HostInfoRequest:
		return InfoRequest{}, nil
	case HostConnectionEnd:
		return ConnectionEnd{}, nil

	case HostInit:
		connected, err := r.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
		return Init{GameConnected: connected}, nil

	// seq, then direction, wire id and payload
	case HostPacketIntercept:
		seq, err := r.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("intercept: %w", err)
		}
		dir, wireID, payload, err := readPacket(r)
		if err != nil {
			return nil, fmt.Errorf("intercept: %w", err)
		}
		return Intercept{Frame: protocol.Frame{Seq: seq, Direction: dir, WireID: wireID, Payload: payload}}, nil

	case HostFlagsCheck:
		n, err := r.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("flags: %w", err)
		}
		// Every flag needs at least its length prefix
		if n < 0 || int(n) > r.Len() {
			return nil, fmt.Errorf("flags: invalid count %d", n)
		}
		flags := make([]string, 0, n)
		for i := int32(0); i < n; i++ {
			flag, err := r.ReadString()
			if err != nil {
				return nil, fmt.Errorf("flags: %w", err)
			}
			flags = append(flags, flag)
		}
		return FlagsCheck{Flags: flags}, nil

	case HostConnectionStart:
		var cs ConnectionStart
		var err error
		if cs.Host, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("connection start: %w", err)
		}
		port, err := r.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("connection start: %w", err)
		}
		cs.Port = int(port)
		if cs.ClientVersion, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("connection start: %w", err)
		}
		if cs.ClientIdentifier, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("connection start: %w", err)
		}
		if cs.ClientType, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("connection start: %w", err)
		}
		// Older hosts omit the pre-established flag.
		if r.Len() > 0 {
			if cs.PreEstablished, err = r.ReadBool(); err != nil {
				return nil, fmt.Errorf("connection start: %w", err)
			}
		}
		return cs, nil
	}

	return nil, fmt.Errorf("unknown host message %d", id)
}

// EncodeHostEvent encodes a host message. The host side of the link uses it;
// the extension only decodes.
func EncodeHostEvent(ev HostEvent) (uint16, []byte, error) {
	b := newBody()

	switch e := ev.(type) {
	case Click, InfoRequest, ConnectionEnd:
	case Init:
		b.WriteBool(e.GameConnected)
	case Intercept:
		b.WriteInt(e.Frame.Seq)
		writePacket(b, e.Frame.Direction, e.Frame.WireID, e.Frame.Payload)
	case FlagsCheck:
		b.WriteInt(int32(len(e.Flags)))
		for _, f := range e.Flags {
			b.WriteString(f)
		}
	case ConnectionStart:
		b.WriteString(e.Host).
			WriteInt(int32(e.Port)).
			WriteString(e.ClientVersion).
			WriteString(e.ClientIdentifier).
			WriteString(e.ClientType).
			WriteBool(e.PreEstablished)
	default:
		return 0, nil, fmt.Errorf("unsupported host event %T", ev)
	}

	body, err := b.Build()
	if err != nil {
		return 0, nil, err
	}
	return ev.hostMessageID(), body, nil
}

func encodeInfo(info ExtensionInfo) ([]byte, error) {
	return newBody().
		WriteString(info.Title).
		WriteString(info.Author).
		WriteString(info.Version).
		WriteString(info.Description).
		WriteBool(info.UseClick).
		WriteBool(info.CanLeave).
		WriteBool(info.CanDelete).
		Build()
}

// DecodeExtensionInfo decodes an ExtInfo body.
func DecodeExtensionInfo(body []byte) (ExtensionInfo, error) {
	r := newBodyReader(body)
	var info ExtensionInfo
	var err error
	for _, s := range []*string{&info.Title, &info.Author, &info.Version, &info.Description} {
		if *s, err = r.ReadString(); err != nil {
			return ExtensionInfo{}, fmt.Errorf("extension info: %w", err)
		}
	}
	for _, b := range []*bool{&info.UseClick, &info.CanLeave, &info.CanDelete} {
		if *b, err = r.ReadBool(); err != nil {
			return ExtensionInfo{}, fmt.Errorf("extension info: %w", err)
		}
	}
	return info, nil
}

func encodeReply(rep Reply) ([]byte, error) {
	b := newBody().
		WriteInt(rep.Seq).
		WriteByte(byte(rep.Action))
	writePacket(b, rep.Direction, rep.WireID, rep.Payload)
	return b.Build()
}

// DecodeReply decodes an ExtManipulatedPacket body.
func DecodeReply(body []byte) (Reply, error) {
	r := newBodyReader(body)
	seq, err := r.ReadInt()
	if err != nil {
		return Reply{}, fmt.Errorf("reply: %w", err)
	}
	action, err := r.ReadByte()
	if err != nil {
		return Reply{}, fmt.Errorf("reply: %w", err)
	}
	dir, id, payload, err := readPacket(r)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: %w", err)
	}
	return Reply{Seq: seq, Direction: dir, Action: Action(action), WireID: id, Payload: payload}, nil
}

func encodeSend(f protocol.Frame) ([]byte, error) {
	b := newBody()
	writePacket(b, f.Direction, f.WireID, f.Payload)
	return b.Build()
}

// DecodeSend decodes an ExtSendMessage body.
func DecodeSend(body []byte) (protocol.Frame, error) {
	dir, id, payload, err := readPacket(newBodyReader(body))
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("send: %w", err)
	}
	return protocol.Frame{Direction: dir, WireID: id, Payload: payload}, nil
}

func encodeLog(text string) ([]byte, error) {
	return newBody().WriteString(text).Build()
}

// DecodeLog decodes an ExtConsoleLog body.
func DecodeLog(body []byte) (string, error) {
	return newBodyReader(body).ReadString()
}

package ws

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/protocol"
)

// Error codes sent in protocol.ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeInvalidPayload  = "invalid_payload"
	CodeUnsupportedType = "unsupported_type"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (e.g. protocol.OpenChatMsg).
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes client messages to handlers by type. Ping is
// answered internally; malformed and unregistered messages get an error
// reply.
type MessageDispatcher struct {
	handlers     map[string]MessageHandler
	writeTimeout time.Duration
	log          *zap.Logger
}

// NewMessageDispatcher creates a dispatcher whose replies are bounded by
// writeTimeout.
func NewMessageDispatcher(writeTimeout time.Duration, log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers:     make(map[string]MessageHandler),
		writeTimeout: writeTimeout,
		log:          log.Named("dispatch"),
	}
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			d.log.Debug("invalid payload", zap.String("session_id", conn.ID), zap.String("msg_type", msgType), zap.Error(err))
			d.SendError(conn, CodeInvalidPayload, verr.Err.Error())
			return
		}
		d.log.Debug("parse error", zap.String("session_id", conn.ID), zap.Error(err))
		d.SendError(conn, CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch(time.Now())
		d.Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", zap.String("session_id", conn.ID), zap.String("msg_type", msgType))
		d.SendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}
	handler(conn, msg)
}

// Reply encodes payload as msgType and writes it to conn. Failures are
// logged; the heartbeat evicts broken connections.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("encode reply", zap.String("msg_type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data, d.writeTimeout); err != nil {
		d.log.Debug("write reply", zap.String("session_id", conn.ID), zap.String("msg_type", msgType), zap.Error(err))
	}
}

// SendError replies with a protocol error.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/fix"
)

// MessageHandler receives business messages a session accepted in sequence.
// Administrative messages are consumed by the session layer and never reach
// the handler. frame holds the raw wire bytes of the message and is only
// valid for the duration of the call.
type MessageHandler interface {
	OnSessionMessage(s *Session, msg *fix.Message, frame []byte)
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(s *Session, msg *fix.Message, frame []byte)

// OnSessionMessage calls f.
func (f MessageHandlerFunc) OnSessionMessage(s *Session, msg *fix.Message, frame []byte) {
	f(s, msg, frame)
}

// IdentitySink learns the composite key of an accepted session before the
// logon reply is encoded, so the reply already carries the right comp ids.
type IdentitySink interface {
	SetIdentity(key Key)
}

// SessionIDs hands out stable logical session ids for composite keys. The
// same counterparty reconnecting gets the same id.
type SessionIDs struct {
	mu    sync.Mutex
	next  int64
	byKey map[Key]int64
}

// NewSessionIDs builds an empty allocator. Ids start at 1.
func NewSessionIDs() *SessionIDs {
	return &SessionIDs{next: 1, byKey: make(map[Key]int64)}
}

// Get returns the id for key, allocating one on first sight.
func (s *SessionIDs) Get(key Key) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		return id
	}
	id := s.next
	s.next++
	s.byKey[key] = id
	return id
}

// Lookup returns the id for key if one was allocated.
func (s *SessionIDs) Lookup(key Key) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	return id, ok
}

// Parser decodes the inbound byte stream of one connection and dispatches
// each message into the session state machine. Like the session it is owned
// by a single goroutine.
type Parser struct {
	decoder    fix.Decoder
	session    *Session
	auth       AuthenticationStrategy
	ids        IDStrategy
	sessionIDs *SessionIDs
	handler    MessageHandler
	identity   IdentitySink
	log        *zap.Logger
}

// NewParser wires a parser to its session. auth and ids may be nil, which
// accepts every logon and derives keys by swapping the header comp ids.
// identity may be nil when the outbound path is stamped elsewhere.
func NewParser(
	s *Session,
	auth AuthenticationStrategy,
	ids IDStrategy,
	sessionIDs *SessionIDs,
	handler MessageHandler,
	identity IdentitySink,
	log *zap.Logger,
) *Parser {
	if auth == nil {
		auth = AcceptAllAuthentication{}
	}
	if ids == nil {
		ids = SenderTargetAndSubStrategy{}
	}
	if sessionIDs == nil {
		sessionIDs = NewSessionIDs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{
		session:    s,
		auth:       auth,
		ids:        ids,
		sessionIDs: sessionIDs,
		handler:    handler,
		identity:   identity,
		log:        log,
	}
}

// Session returns the session this parser feeds.
func (p *Parser) Session() *Session { return p.session }

// OnFrame consumes one complete framed message.
func (p *Parser) OnFrame(buffer []byte) error {
	msg, err := p.decoder.Decode(buffer)
	if err != nil {
		p.log.Warn("dropping unparseable message",
			zap.Int64("connection_id", p.session.ConnectionID()),
			zap.Error(err))
		return err
	}

	isLogon := msg.MsgType == fix.MsgTypeLogon
	if !p.session.OnBeginString(msg.BeginString, isLogon) {
		return nil
	}

	if refTagID, reason, ok := msg.Validate(); !ok {
		if msg.MsgSeqNum == fix.MissingInt {
			p.session.OnMessage(fix.MissingInt, msg.MsgType, msg.SendingTime, msg.OrigSendingTime, msg.PossDup())
		} else {
			p.session.OnInvalidMessage(msg.MsgSeqNum, refTagID, msg.MsgType, reason)
		}
		return nil
	}

	switch msg.MsgType {
	case fix.MsgTypeLogon:
		p.onLogon(msg)
	case fix.MsgTypeLogout:
		p.session.OnLogout(msg.MsgSeqNum, msg.SendingTime, msg.OrigSendingTime, msg.PossDup())
	case fix.MsgTypeHeartbeat:
		p.session.OnHeartbeat(msg.MsgSeqNum, msg.TestReqID, msg.SendingTime, msg.OrigSendingTime, msg.PossDup())
	case fix.MsgTypeTestRequest:
		p.session.OnTestRequest(msg.MsgSeqNum, msg.TestReqID, msg.SendingTime, msg.OrigSendingTime, msg.PossDup())
	case fix.MsgTypeReject:
		p.session.OnReject(msg.MsgSeqNum, msg.SendingTime, msg.OrigSendingTime, msg.PossDup())
	case fix.MsgTypeSequenceReset:
		p.session.OnSequenceReset(msg.MsgSeqNum, msg.NewSeqNo, msg.GapFillFlag, msg.PossDup())
	case fix.MsgTypeResendRequest:
		p.session.OnResendRequest(msg.MsgSeqNum, msg.BeginSeqNo, msg.EndSeqNo, msg.SendingTime, msg.OrigSendingTime, msg.PossDup())
	default:
		if p.session.OnMessage(msg.MsgSeqNum, msg.MsgType, msg.SendingTime, msg.OrigSendingTime, msg.PossDup()) && p.handler != nil {
			p.handler.OnSessionMessage(p.session, msg, buffer)
		}
	}
	return nil
}

func (p *Parser) onLogon(msg *fix.Message) {
	if p.session.State() != StateConnected {
		// Initiator reply or a duplicate logon mid-session.
		p.session.OnLogon(msg.HeartBtInt, msg.MsgSeqNum, p.session.ID(), p.session.Key(),
			msg.SendingTime, msg.OrigSendingTime, msg.Username, msg.Password,
			msg.PossDup(), msg.ResetSeqNumFlag)
		return
	}

	if !p.auth.Authenticate(msg) {
		p.log.Info("logon rejected by authentication strategy",
			zap.Int64("connection_id", p.session.ConnectionID()),
			zap.String("sender_comp_id", msg.SenderCompID),
			zap.String("username", msg.Username))
		p.session.requestDisconnect()
		return
	}

	key := p.ids.OnAcceptorLogon(msg)
	sessionID := p.sessionIDs.Get(key)
	if p.identity != nil {
		p.identity.SetIdentity(key)
	}
	p.session.OnLogon(msg.HeartBtInt, msg.MsgSeqNum, sessionID, key,
		msg.SendingTime, msg.OrigSendingTime, msg.Username, msg.Password,
		msg.PossDup(), msg.ResetSeqNumFlag)
}

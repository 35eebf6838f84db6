// Package engine composes the gateway: the TCP receiver, the per-connection
// FIX sessions, the replication cluster node and the archiver, all driven by
// one poll loop. Sessions are owned by that loop alone; goroutines touching
// the network or external stores live at the edges and cross into the loop
// over channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/internal/fix"
	"github.com/Aidin1998/fixgate/internal/hub"
	"github.com/Aidin1998/fixgate/internal/journal"
	"github.com/Aidin1998/fixgate/internal/replication"
	"github.com/Aidin1998/fixgate/internal/seqindex"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// DefaultFragmentLimit bounds the fragments each collaborator handles per
// duty cycle.
const DefaultFragmentLimit = 64

const (
	inboundFramesPerCycle = 64
	dialedQueueDepth      = 4
	seqUpdateQueueDepth   = 1024
	eventQueueDepth       = 256
	seqIndexTimeout       = 2 * time.Second
	flushTimeout          = 2 * time.Second
	initialDialBackoff    = 500 * time.Millisecond
	maxDialBackoff        = 15 * time.Second
)

// Config holds the engine's own settings. Collaborators arrive separately
// through Dependencies.
type Config struct {
	BindAddress           string
	BeginString           string
	HeartbeatIntervalSecs int
	EncoderBufferSize     int
	SendingTimeWindowMS   int64

	// PersistSequences saves sequence counters to the index as they advance
	// and restores them when a known counterparty reconnects.
	PersistSequences bool

	// Credentials maps usernames to bcrypt hashes. Empty accepts every logon.
	Credentials map[string]string

	Initiators []InitiatorConfig

	FragmentLimit int
}

// InitiatorConfig describes one outbound session this gateway opens.
type InitiatorConfig struct {
	Address      string
	SenderCompID string
	SenderSubID  string
	TargetCompID string
	Username     string
	Password     string
	ResetOnLogon bool
}

// Dependencies carries the engine's collaborators. Node and Archiver are
// required; the rest default to in-process no-ops so tests run without
// external services.
type Dependencies struct {
	Node     *replication.ClusterNode
	Archiver *archive.Archiver
	SeqIndex seqindex.Index
	Journal  journal.Journal
	Hub      *hub.Hub
	Clock    session.Clock
	Log      *zap.Logger
}

// SessionSnapshot is a point-in-time view of one connection for the admin
// surface and the monitoring hub.
type SessionSnapshot struct {
	SessionID             int64     `json:"session_id"`
	ConnectionID          int64     `json:"connection_id"`
	RemoteAddr            string    `json:"remote_addr"`
	Key                   string    `json:"key,omitempty"`
	State                 string    `json:"state"`
	LastSentSeqNum        int       `json:"last_sent_seq_num"`
	LastReceivedSeqNum    int       `json:"last_received_seq_num"`
	HeartbeatIntervalSecs int       `json:"heartbeat_interval_secs"`
	Initiator             bool      `json:"initiator"`
	ConnectedAt           time.Time `json:"connected_at"`
}

// ClusterSnapshot is this node's replication view.
type ClusterSnapshot struct {
	NodeID           int16  `json:"node_id"`
	Role             string `json:"role"`
	LeadershipTermID int32  `json:"leadership_term_id"`
	LeaderSessionID  int32  `json:"leader_session_id"`
	CommitPosition   int64  `json:"commit_position"`
	AppendedPosition int64  `json:"appended_position"`
	ArchivedPosition int64  `json:"archived_position"`
}

type sessionEvent struct {
	Type    string          `json:"type"`
	Session SessionSnapshot `json:"session"`
}

type clusterEvent struct {
	Type    string          `json:"type"`
	Cluster ClusterSnapshot `json:"cluster"`
}

// liveSession pairs a connection with its session state machine. Every field
// is owned by the conductor goroutine.
type liveSession struct {
	conn        *Connection
	parser      *session.Parser
	session     *session.Session
	initiator   bool
	connectedAt time.Time
	keyString   string
	lastState   session.State
	last        SessionSnapshot
	published   bool
}

type initiatorConn struct {
	conn *Connection
	cfg  InitiatorConfig
}

type seqUpdate struct {
	key      session.Key
	counters seqindex.Counters
}

// FixEngine is the gateway runtime. One conductor goroutine adopts
// connections, feeds frames through the sessions, polls the cluster node and
// the archiver, and publishes state snapshots for the admin surface.
type FixEngine struct {
	cfg Config
	id  uuid.UUID

	node     *replication.ClusterNode
	archiver *archive.Archiver
	seqIndex seqindex.Index
	journal  journal.Journal
	hub      *hub.Hub
	clock    session.Clock
	log      *zap.Logger

	auth       session.AuthenticationStrategy
	sessionIDs *session.SessionIDs
	orders     *OrderHandler

	receiver *Receiver
	dialed   chan initiatorConn
	live     map[int64]*liveSession

	mu        sync.RWMutex
	snapshots map[int64]SessionSnapshot
	cluster   ClusterSnapshot

	seqUpdates chan seqUpdate
	events     chan journal.Event

	conductor *Runner
	ctx       context.Context
	cancel    context.CancelFunc
	dialWG    sync.WaitGroup
	flushWG   sync.WaitGroup
}

// NewFixEngine validates the configuration and wires the engine. It does not
// bind the network until Start.
func NewFixEngine(cfg Config, deps Dependencies) (*FixEngine, error) {
	if deps.Node == nil {
		return nil, errors.New("engine: cluster node is required")
	}
	if deps.Archiver == nil {
		return nil, errors.New("engine: archiver is required")
	}
	if cfg.BindAddress == "" {
		return nil, errors.New("engine: bind address is required")
	}
	if cfg.BeginString == "" {
		cfg.BeginString = session.DefaultBeginString
	}
	if cfg.HeartbeatIntervalSecs == 0 {
		cfg.HeartbeatIntervalSecs = session.DefaultHeartbeatIntervalSecs
	}
	if cfg.EncoderBufferSize == 0 {
		cfg.EncoderBufferSize = fix.DefaultEncoderBufferSize
	}
	if cfg.SendingTimeWindowMS == 0 {
		cfg.SendingTimeWindowMS = session.DefaultSendingTimeWindowMS
	}
	if cfg.FragmentLimit == 0 {
		cfg.FragmentLimit = DefaultFragmentLimit
	}
	for _, ic := range cfg.Initiators {
		if ic.Address == "" || ic.SenderCompID == "" || ic.TargetCompID == "" {
			return nil, fmt.Errorf("engine: initiator needs address, sender and target comp ids, got %+v", ic)
		}
	}

	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	var auth session.AuthenticationStrategy
	if len(cfg.Credentials) > 0 {
		auth = session.NewBcryptAuthentication(cfg.Credentials)
	} else {
		auth = session.AcceptAllAuthentication{}
	}

	e := &FixEngine{
		cfg:        cfg,
		id:         uuid.New(),
		node:       deps.Node,
		archiver:   deps.Archiver,
		seqIndex:   deps.SeqIndex,
		journal:    deps.Journal,
		hub:        deps.Hub,
		clock:      deps.Clock,
		log:        deps.Log,
		auth:       auth,
		sessionIDs: session.NewSessionIDs(),
		dialed:     make(chan initiatorConn, dialedQueueDepth),
		live:       make(map[int64]*liveSession),
		snapshots:  make(map[int64]SessionSnapshot),
		seqUpdates: make(chan seqUpdate, seqUpdateQueueDepth),
		events:     make(chan journal.Event, eventQueueDepth),
	}
	e.orders = NewOrderHandler(deps.Node.Publication(), deps.Log)
	return e, nil
}

// Start binds the listen address and launches the conductor, the persistence
// flusher and a dial loop per configured initiator.
func (e *FixEngine) Start(ctx context.Context) error {
	receiver, err := NewReceiver(e.cfg.BindAddress, e.log)
	if err != nil {
		return err
	}
	e.receiver = receiver
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.receiver.Start()
	e.log.Info("fix gateway listening",
		zap.String("address", receiver.Addr().String()),
		zap.String("instance_id", e.id.String()),
		zap.Int16("node_id", e.node.NodeID()),
		zap.Int("initiators", len(e.cfg.Initiators)))

	e.flushWG.Add(1)
	go e.flushLoop()

	for _, ic := range e.cfg.Initiators {
		e.dialWG.Add(1)
		go e.dialLoop(ic)
	}

	e.conductor = NewRunner("conductor", AgentFunc(e.duty), e.log)
	e.conductor.Start(e.ctx)
	return nil
}

// Stop drains the engine in dependency order: no new work, then no live
// connections, then the persistence flusher, then a final synchronous save
// of every live session's counters.
func (e *FixEngine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	if e.conductor != nil {
		e.conductor.Stop()
	}
	e.dialWG.Wait()
	if e.receiver != nil {
		e.receiver.Close()
	}
	e.flushWG.Wait()
	e.saveFinalSequences()
	e.log.Info("fix engine stopped", zap.String("instance_id", e.id.String()))
}

// Addr returns the FIX listen address once the engine has started.
func (e *FixEngine) Addr() net.Addr {
	if e.receiver == nil {
		return nil
	}
	return e.receiver.Addr()
}

// duty is one conductor cycle. Ordering matters: frames drained before
// sessions are polled keep heartbeat timers honest, and the node polls after
// publication so the leader sees its own appended position within the cycle.
func (e *FixEngine) duty(nowMS int64) int {
	work := e.adoptConnections(nowMS)

	before := e.node.Publication().Position()
	work += e.drainInbound()
	if e.node.Publication().Position() > before {
		e.node.UpdateNextHeartbeatTime(nowMS)
	}

	work += e.pollSessions(nowMS)
	work += e.node.Poll(e.cfg.FragmentLimit, nowMS)
	work += e.archiver.Poll(e.cfg.FragmentLimit)
	e.publishClusterState()
	return work
}

func (e *FixEngine) adoptConnections(nowMS int64) int {
	adopted := 0
	for {
		select {
		case conn := <-e.receiver.Accepted():
			e.adoptAcceptor(conn, nowMS)
			adopted++
		case ic := <-e.dialed:
			e.adoptInitiator(ic, nowMS)
			adopted++
		default:
			return adopted
		}
	}
}

func (e *FixEngine) adoptAcceptor(conn *Connection, nowMS int64) {
	encoder := fix.NewEncoderWithBufferSize(e.cfg.BeginString, e.cfg.EncoderBufferSize)
	proxy := session.NewWireProxy(encoder, conn, e.receiver, e.clock, e.log)
	sess := session.NewSession(session.Settings{
		ConnectionID:          conn.ID(),
		BeginString:           e.cfg.BeginString,
		HeartbeatIntervalSecs: e.cfg.HeartbeatIntervalSecs,
		SendingTimeWindowMS:   e.cfg.SendingTimeWindowMS,
	}, proxy, e.clock, e.log)

	ls := &liveSession{
		conn:        conn,
		session:     sess,
		connectedAt: time.UnixMilli(nowMS),
		lastState:   sess.State(),
	}
	binder := &identityBinder{engine: e, live: ls, proxy: proxy}
	ls.parser = session.NewParser(sess, e.auth, nil, e.sessionIDs, e.orders, binder, e.log)
	e.live[conn.ID()] = ls

	e.log.Info("connection accepted",
		zap.Int64("connection_id", conn.ID()),
		zap.String("remote_addr", conn.RemoteAddr()))
	e.publishSession(ls)
}

func (e *FixEngine) adoptInitiator(ic initiatorConn, nowMS int64) {
	key := session.Key{
		SenderCompID: ic.cfg.SenderCompID,
		SenderSubID:  ic.cfg.SenderSubID,
		TargetCompID: ic.cfg.TargetCompID,
	}
	encoder := fix.NewEncoderWithBufferSize(e.cfg.BeginString, e.cfg.EncoderBufferSize)
	proxy := session.NewWireProxy(encoder, ic.conn, e.receiver, e.clock, e.log)
	proxy.SetIdentity(key)
	sess := session.NewSession(session.Settings{
		ConnectionID:          ic.conn.ID(),
		BeginString:           e.cfg.BeginString,
		HeartbeatIntervalSecs: e.cfg.HeartbeatIntervalSecs,
		SendingTimeWindowMS:   e.cfg.SendingTimeWindowMS,
	}, proxy, e.clock, e.log)
	sess.SetIdentity(e.sessionIDs.Get(key), key)

	ls := &liveSession{
		conn:        ic.conn,
		session:     sess,
		initiator:   true,
		connectedAt: time.UnixMilli(nowMS),
		keyString:   key.String(),
		lastState:   sess.State(),
	}
	ls.parser = session.NewParser(sess, nil, nil, e.sessionIDs, e.orders, nil, e.log)
	e.live[ic.conn.ID()] = ls

	if !ic.cfg.ResetOnLogon {
		e.resumeSequences(ls, key)
	}
	sess.SendLogon(e.cfg.HeartbeatIntervalSecs, ic.cfg.Username, ic.cfg.Password, ic.cfg.ResetOnLogon)

	e.log.Info("initiated session opened",
		zap.Int64("connection_id", ic.conn.ID()),
		zap.String("session_key", ls.keyString),
		zap.String("remote_addr", ic.conn.RemoteAddr()))
	e.publishSession(ls)
}

func (e *FixEngine) drainInbound() int {
	frames := 0
	for connID, ls := range e.live {
		n, closed := e.drainConnection(ls)
		frames += n
		if closed {
			e.finalize(connID, ls)
		}
	}
	return frames
}

func (e *FixEngine) drainConnection(ls *liveSession) (int, bool) {
	for n := 0; n < inboundFramesPerCycle; n++ {
		select {
		case frame, ok := <-ls.conn.Inbound():
			if !ok {
				return n, true
			}
			metrics.MessagesReceived.WithLabelValues(msgTypeOf(frame)).Inc()
			if err := ls.parser.OnFrame(frame); err != nil {
				metrics.MessagesRejected.WithLabelValues("unparseable").Inc()
				e.recordEvent(ls, journal.EventReject, err.Error())
			}
		default:
			return n, false
		}
	}
	return inboundFramesPerCycle, false
}

func (e *FixEngine) pollSessions(nowMS int64) int {
	work := 0
	for _, ls := range e.live {
		work += ls.session.Poll(nowMS)
		e.publishSession(ls)
	}
	return work
}

func (e *FixEngine) finalize(connID int64, ls *liveSession) {
	delete(e.live, connID)
	e.mu.Lock()
	delete(e.snapshots, connID)
	e.mu.Unlock()

	metrics.Disconnects.Inc()
	snap := e.snapshotOf(ls)
	if ls.keyString != "" && e.cfg.PersistSequences && e.seqIndex != nil {
		e.enqueueSeqSave(ls.session.Key(), seqindex.Counters{
			LastSent:     ls.session.LastSentMsgSeqNum(),
			LastReceived: ls.session.LastReceivedMsgSeqNum(),
		})
	}
	e.recordEvent(ls, journal.EventDisconnect, snap.State)
	e.broadcastSession("disconnect", snap)
	e.log.Info("connection closed",
		zap.Int64("connection_id", connID),
		zap.String("session_key", ls.keyString),
		zap.String("state", snap.State))
}

func (e *FixEngine) snapshotOf(ls *liveSession) SessionSnapshot {
	s := ls.session
	if ls.keyString == "" {
		if key := s.Key(); key != (session.Key{}) {
			ls.keyString = key.String()
		}
	}
	return SessionSnapshot{
		SessionID:             s.ID(),
		ConnectionID:          s.ConnectionID(),
		RemoteAddr:            ls.conn.RemoteAddr(),
		Key:                   ls.keyString,
		State:                 s.State().String(),
		LastSentSeqNum:        s.LastSentMsgSeqNum(),
		LastReceivedSeqNum:    s.LastReceivedMsgSeqNum(),
		HeartbeatIntervalSecs: s.HeartbeatIntervalSecs(),
		Initiator:             ls.initiator,
		ConnectedAt:           ls.connectedAt,
	}
}

func (e *FixEngine) publishSession(ls *liveSession) {
	snap := e.snapshotOf(ls)
	if ls.published && snap == ls.last {
		return
	}
	prev := ls.last
	ls.last = snap
	ls.published = true

	e.mu.Lock()
	e.snapshots[ls.conn.ID()] = snap
	e.mu.Unlock()

	if state := ls.session.State(); state != ls.lastState {
		from := ls.lastState
		ls.lastState = state
		e.onStateChange(ls, from, state, snap)
	}

	if e.cfg.PersistSequences && e.seqIndex != nil && ls.keyString != "" &&
		(snap.LastSentSeqNum != prev.LastSentSeqNum || snap.LastReceivedSeqNum != prev.LastReceivedSeqNum) {
		e.enqueueSeqSave(ls.session.Key(), seqindex.Counters{
			LastSent:     snap.LastSentSeqNum,
			LastReceived: snap.LastReceivedSeqNum,
		})
	}
}

func (e *FixEngine) onStateChange(ls *liveSession, from, to session.State, snap SessionSnapshot) {
	e.log.Info("session state changed",
		zap.Int64("connection_id", ls.conn.ID()),
		zap.String("session_key", snap.Key),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	switch to {
	case session.StateActive:
		e.recordEvent(ls, journal.EventLogon, "")
		e.broadcastSession("logon", snap)
	case session.StateAwaitingResend:
		metrics.SequenceGaps.Inc()
		e.recordEvent(ls, journal.EventResend,
			fmt.Sprintf("expecting seq %d", ls.session.ExpectedReceivedSeqNum()))
		e.broadcastSession("resend", snap)
	case session.StateAwaitingLogout:
		e.recordEvent(ls, journal.EventLogout, "logout sent")
		e.broadcastSession("logout", snap)
	case session.StateDisconnected:
		e.broadcastSession("disconnected", snap)
	default:
		e.broadcastSession("state", snap)
	}
}

func (e *FixEngine) publishClusterState() {
	term := e.node.TermState()
	snap := ClusterSnapshot{
		NodeID:           e.node.NodeID(),
		Role:             e.node.RoleName(),
		LeadershipTermID: term.LeadershipTermID(),
		LeaderSessionID:  term.LeaderSessionID(),
		CommitPosition:   term.CommitPosition(),
		AppendedPosition: e.node.Publication().Position(),
		ArchivedPosition: e.archiver.ArchivedPosition(e.node.Publication().SessionID()),
	}

	active := 0
	for _, ls := range e.live {
		if ls.session.State() == session.StateActive {
			active++
		}
	}
	metrics.SessionsActive.Set(float64(active))

	e.mu.RLock()
	prev := e.cluster
	e.mu.RUnlock()
	if snap == prev {
		return
	}

	if snap.LeadershipTermID != prev.LeadershipTermID {
		metrics.Elections.Inc()
	}
	metrics.ClusterTerm.Set(float64(snap.LeadershipTermID))
	metrics.CommitPosition.Set(float64(snap.CommitPosition))
	if snap.Role == "leader" {
		metrics.ClusterLeader.Set(1)
	} else {
		metrics.ClusterLeader.Set(0)
	}

	e.mu.Lock()
	e.cluster = snap
	e.mu.Unlock()

	if e.hub != nil && clusterChanged(prev, snap) {
		e.hub.BroadcastJSON(hub.TopicCluster, clusterEvent{Type: "cluster", Cluster: snap})
	}
}

// clusterChanged ignores the per-message position fields so the hub only
// sees leadership and commit movement, not every appended byte.
func clusterChanged(a, b ClusterSnapshot) bool {
	return a.Role != b.Role ||
		a.LeadershipTermID != b.LeadershipTermID ||
		a.LeaderSessionID != b.LeaderSessionID ||
		a.CommitPosition != b.CommitPosition
}

// identityBinder runs between authentication and the logon reply. It stamps
// the outbound encoder with the accepted key and restores persisted
// sequence counters so the reply is numbered after the last message the
// counterparty ever saw from us.
type identityBinder struct {
	engine *FixEngine
	live   *liveSession
	proxy  *session.WireProxy
}

func (b *identityBinder) SetIdentity(key session.Key) {
	b.proxy.SetIdentity(key)
	b.live.keyString = key.String()
	b.engine.resumeSequences(b.live, key)
}

func (e *FixEngine) resumeSequences(ls *liveSession, key session.Key) {
	if !e.cfg.PersistSequences || e.seqIndex == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, seqIndexTimeout)
	defer cancel()
	counters, err := e.seqIndex.Load(ctx, key)
	if errors.Is(err, seqindex.ErrNotFound) {
		return
	}
	if err != nil {
		e.log.Warn("sequence index read failed",
			zap.String("session_key", key.String()),
			zap.Error(err))
		return
	}
	ls.session.ResumeSequences(counters.LastSent, counters.LastReceived)
	e.log.Info("resumed session sequences",
		zap.String("session_key", key.String()),
		zap.Int("last_sent", counters.LastSent),
		zap.Int("last_received", counters.LastReceived))
}

func (e *FixEngine) enqueueSeqSave(key session.Key, counters seqindex.Counters) {
	select {
	case e.seqUpdates <- seqUpdate{key: key, counters: counters}:
	default:
		e.log.Warn("sequence index queue full, dropping update",
			zap.String("session_key", key.String()))
	}
}

func (e *FixEngine) broadcastSession(typ string, snap SessionSnapshot) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastJSON(hub.TopicSessions, sessionEvent{Type: typ, Session: snap})
}

func (e *FixEngine) recordEvent(ls *liveSession, typ journal.EventType, detail string) {
	ev := journal.Event{
		SessionKey:   ls.keyString,
		ConnectionID: ls.conn.ID(),
		Type:         typ,
		Detail:       detail,
	}
	select {
	case e.events <- ev:
	default:
		e.log.Warn("event queue full, dropping journal event",
			zap.String("event_type", string(typ)))
	}
}

// flushLoop owns every blocking store call so the conductor never waits on
// redis or postgres. It drains both queues once more after cancellation.
func (e *FixEngine) flushLoop() {
	defer e.flushWG.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.drainFlushQueues()
			return
		case u := <-e.seqUpdates:
			e.saveSequences(u)
		case ev := <-e.events:
			e.writeEvent(ev)
		}
	}
}

func (e *FixEngine) drainFlushQueues() {
	for {
		select {
		case u := <-e.seqUpdates:
			e.saveSequences(u)
		case ev := <-e.events:
			e.writeEvent(ev)
		default:
			return
		}
	}
}

func (e *FixEngine) saveSequences(u seqUpdate) {
	if e.seqIndex == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := e.seqIndex.Save(ctx, u.key, u.counters); err != nil {
		e.log.Warn("sequence index write failed",
			zap.String("session_key", u.key.String()),
			zap.Error(err))
	}
}

func (e *FixEngine) writeEvent(ev journal.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := e.journal.Record(ctx, ev); err != nil {
		e.log.Debug("journal write failed", zap.Error(err))
	}
}

func (e *FixEngine) saveFinalSequences() {
	if !e.cfg.PersistSequences || e.seqIndex == nil {
		return
	}
	for _, ls := range e.live {
		key := ls.session.Key()
		if key == (session.Key{}) {
			continue
		}
		e.saveSequences(seqUpdate{key: key, counters: seqindex.Counters{
			LastSent:     ls.session.LastSentMsgSeqNum(),
			LastReceived: ls.session.LastReceivedMsgSeqNum(),
		}})
	}
}

func (e *FixEngine) dialLoop(cfg InitiatorConfig) {
	defer e.dialWG.Done()
	backoff := initialDialBackoff
	for {
		conn, err := e.receiver.Dial(e.ctx, cfg.Address)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.log.Warn("initiator dial failed",
				zap.String("address", cfg.Address),
				zap.Error(err))
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxDialBackoff {
				backoff = maxDialBackoff
			}
			continue
		}
		backoff = initialDialBackoff

		select {
		case e.dialed <- initiatorConn{conn: conn, cfg: cfg}:
		case <-e.ctx.Done():
			conn.Close()
			return
		}

		select {
		case <-conn.Done():
		case <-e.ctx.Done():
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Sessions lists every live connection ordered by connection id.
func (e *FixEngine) Sessions() []SessionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SessionSnapshot, 0, len(e.snapshots))
	for _, s := range e.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Session finds a snapshot by logical session id, falling back to the
// connection id for connections that have not logged on yet.
func (e *FixEngine) Session(id int64) (SessionSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.snapshots {
		if s.SessionID == id && id != 0 {
			return s, true
		}
	}
	if s, ok := e.snapshots[id]; ok {
		return s, true
	}
	return SessionSnapshot{}, false
}

// Cluster returns this node's replication view.
func (e *FixEngine) Cluster() ClusterSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cluster
}

// Disconnect force-closes the connection behind a session. It reports
// whether the session was known; the teardown itself completes on the
// conductor's next cycle.
func (e *FixEngine) Disconnect(id int64) bool {
	snap, ok := e.Session(id)
	if !ok {
		return false
	}
	e.receiver.RequestDisconnect(snap.ConnectionID)
	return true
}

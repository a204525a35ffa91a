package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/wsbroker/common"
	"github.com/alwitt/wsbroker/hub"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// writeWait max duration for one transport write to complete
const writeWait = time.Second * 5

// Session a single client WebSocket connection.
//
// The session is the sole owner of the underlying transport. It registers
// itself with the hub on Start, parses inbound text frames into hub events,
// maintains heartbeat liveness, and deregisters exactly once on teardown
// regardless of which trigger closed it.
type Session interface {
	// ID the connection ID of this session
	ID() uuid.UUID
	// Start register with the hub and begin serving the connection
	Start() error
	// Deliver implements hub.OutboundSink; enqueues one outbound text frame
	Deliver(msg string) bool
}

// wsSession implements Session
type wsSession struct {
	common.Component
	id               uuid.UUID
	conn             *websocket.Conn
	registry         hub.Hub
	outbound         chan string
	heartbeatTimer   common.IntervalTimer
	limiter          *rate.Limiter
	wg               *sync.WaitGroup
	rootContext      context.Context
	operationContext context.Context
	contextCancel    context.CancelFunc
	closeOnce        sync.Once
	heartbeatMtx     sync.Mutex
	lastHeartbeat    time.Time
	pingInterval     time.Duration
	idleTimeout      time.Duration
	maxMessageSize   int64
}

// GetWSSession define a new session around an accepted WebSocket connection
func GetWSSession(
	rootCtxt context.Context,
	conn *websocket.Conn,
	registry hub.Hub,
	config common.SessionConfig,
	wg *sync.WaitGroup,
) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "session", "component": "ws-session", "session": id.String(),
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("heartbeat/%s", id), ctxt, wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	var limiter *rate.Limiter
	if config.CommandRatePerSec > 0 {
		burst := config.CommandBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.CommandRatePerSec), burst)
	}
	return &wsSession{
		Component:        common.Component{LogTags: logTags},
		id:               id,
		conn:             conn,
		registry:         registry,
		outbound:         make(chan string, config.OutboundBufferSize),
		heartbeatTimer:   timer,
		limiter:          limiter,
		wg:               wg,
		rootContext:      rootCtxt,
		operationContext: ctxt,
		contextCancel:    cancel,
		pingInterval:     time.Second * time.Duration(config.HeartbeatInterval),
		idleTimeout:      time.Second * time.Duration(config.HeartbeatTimeout),
		maxMessageSize:   config.MaxMessageSize,
	}, nil
}

// ID the connection ID of this session
func (s *wsSession) ID() uuid.UUID {
	return s.id
}

// Start register with the hub and begin serving the connection
func (s *wsSession) Start() error {
	if err := s.registry.RegisterSession(s.operationContext, s.id, s); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to register with hub")
		s.shutdown()
		return err
	}
	s.markAlive()
	s.conn.SetReadLimit(s.maxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		s.markAlive()
		err := s.conn.WriteControl(
			websocket.PongMessage, []byte(appData), time.Now().Add(writeWait),
		)
		if err == websocket.ErrCloseSent {
			return nil
		} else if _, ok := err.(net.Error); ok {
			return nil
		}
		return err
	})
	s.conn.SetPongHandler(func(string) error {
		s.markAlive()
		return nil
	})
	s.wg.Add(2)
	go s.readPump()
	go s.writePump()
	log.WithFields(s.LogTags).Info("Session active")
	return s.heartbeatTimer.Start(s.pingInterval, s.onHeartbeatTick, false)
}

// Deliver implements hub.OutboundSink. Never blocks; a full outbound buffer
// drops the frame.
func (s *wsSession) Deliver(msg string) bool {
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

func (s *wsSession) markAlive() {
	s.heartbeatMtx.Lock()
	defer s.heartbeatMtx.Unlock()
	s.lastHeartbeat = time.Now()
}

func (s *wsSession) sinceLastHeartbeat() time.Duration {
	s.heartbeatMtx.Lock()
	defer s.heartbeatMtx.Unlock()
	return time.Since(s.lastHeartbeat)
}

// onHeartbeatTick periodic liveness check. This is the sole mechanism for
// detecting half-open connections.
func (s *wsSession) onHeartbeatTick() error {
	if s.sinceLastHeartbeat() > s.idleTimeout {
		log.WithFields(s.LogTags).Info("Heartbeat timeout. Closing connection")
		s.shutdown()
		return nil
	}
	err := s.conn.WriteControl(
		websocket.PingMessage, []byte{}, time.Now().Add(writeWait),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unable to ping peer")
		s.shutdown()
	}
	return nil
}

// readPump consumes inbound frames until the transport fails or closes
func (s *wsSession) readPump() {
	defer s.wg.Done()
	defer s.shutdown()
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			// Peer close, protocol violation, or transport failure; the
			// frame layer does not distinguish further for our purposes
			log.WithError(err).WithFields(s.LogTags).Debug("Read loop ending")
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames are accepted and ignored
			continue
		}
		s.processTextFrame(string(payload))
	}
}

// processTextFrame handle one inbound text frame
func (s *wsSession) processTextFrame(frame string) {
	command, reply := parseClientCommand(frame)
	if command == nil {
		// Command syntax problems are client bugs, not probes; tell the
		// client. Non-command frames are dropped without comment.
		if reply != "" {
			s.reply(reply)
		}
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		log.WithFields(s.LogTags).Debug("Command rate exceeded. Dropping command")
		return
	}
	var err error
	switch command.verb {
	case cmdSubscribe:
		err = s.registry.Subscribe(s.operationContext, s.id, command.topic, command.token)
	case cmdUnsubscribe:
		err = s.registry.Unsubscribe(s.operationContext, s.id, command.topic)
	case cmdUnsubscribeAll:
		err = s.registry.UnsubscribeAll(s.operationContext, s.id)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to submit %s event", command.verb,
		)
	}
}

func (s *wsSession) reply(msg string) {
	if !s.Deliver(msg) {
		log.WithFields(s.LogTags).Debug("Outbound buffer full. Dropped reply")
	}
}

// writePump is the sole writer of data frames on the transport
func (s *wsSession) writePump() {
	defer s.wg.Done()
	defer s.shutdown()
	for {
		select {
		case <-s.operationContext.Done():
			return
		case msg := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Write loop ending")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Write loop ending")
				return
			}
		}
	}
}

// shutdown tear the session down. Safe to call from any trigger path; the
// hub deregistration happens exactly once.
func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() {
		log.WithFields(s.LogTags).Info("Session closing")
		_ = s.heartbeatTimer.Stop()
		s.contextCancel()
		// The session context is gone at this point; deregistration rides
		// on the process root context instead
		deregCtxt, cancel := context.WithTimeout(s.rootContext, time.Second*5)
		defer cancel()
		if err := s.registry.DeregisterSession(deregCtxt, s.id); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to deregister with hub")
		}
		_ = s.conn.Close()
	})
}

package hub

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/alwitt/wsbroker/auth"
	"github.com/alwitt/wsbroker/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// OutboundSink handle the hub uses to deliver text frames to one session.
//
// The session owns the underlying transport; the hub only enqueues. Deliver
// must not block: it reports false when the frame could not be accepted.
type OutboundSink interface {
	Deliver(msg string) bool
}

// Hub the single logical owner of broker state: the session registry and the
// per-topic subscriber sets.
//
// All operations are submitted as events onto one internal event loop, so
// registry mutations are serialized; no operation observes another mid-flight.
type Hub interface {
	// RegisterSession add a session to the registry
	RegisterSession(ctxt context.Context, id uuid.UUID, outbound OutboundSink) error
	// DeregisterSession remove a session and purge all its topic
	// memberships. Idempotent.
	DeregisterSession(ctxt context.Context, id uuid.UUID) error
	// Subscribe add a session to a topic's subscriber set, gated on the
	// token granting subscribe capability for that topic. Unauthorized
	// requests are dropped without feedback.
	Subscribe(ctxt context.Context, id uuid.UUID, topic string, token string) error
	// Unsubscribe remove a session from a topic's subscriber set. No
	// authorization needed.
	Unsubscribe(ctxt context.Context, id uuid.UUID, topic string) error
	// UnsubscribeAll remove a session from every topic's subscriber set
	UnsubscribeAll(ctxt context.Context, id uuid.UUID) error
	// Broadcast deliver a message to every current subscriber of a topic,
	// gated on the token granting broadcast capability for that topic.
	// Delivery is best-effort per subscriber. Unauthorized requests are
	// dropped without feedback.
	Broadcast(ctxt context.Context, topic string, message string, token string) error
	// StartEventLoop starts the hub event processing
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stops the hub event processing
	StopEventLoop() error
	// Ready whether the event loop is processing
	Ready() bool
}

// topicHubImpl implements Hub
type topicHubImpl struct {
	common.Component
	tp       common.TaskProcessor
	verifier auth.TokenVerifier
	sessions map[uuid.UUID]OutboundSink
	topics   map[string]map[uuid.UUID]bool
	running  atomic.Bool
}

// GetTopicHub create new connection registry / broadcast hub
func GetTopicHub(
	verifier auth.TokenVerifier, eventBuffer int, rootCtxt context.Context,
) (Hub, error) {
	logTags := log.Fields{"module": "hub", "component": "topic-hub"}
	tp, err := common.GetNewTaskProcessorInstance("topic-hub", eventBuffer, rootCtxt)
	if err != nil {
		return nil, err
	}
	instance := topicHubImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		verifier:  verifier,
		sessions:  make(map[uuid.UUID]OutboundSink),
		topics:    make(map[string]map[uuid.UUID]bool),
	}
	// Add handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registerRequest{}):       instance.processRegister,
		reflect.TypeOf(deregisterRequest{}):     instance.processDeregister,
		reflect.TypeOf(subscribeRequest{}):      instance.processSubscribe,
		reflect.TypeOf(unsubscribeRequest{}):    instance.processUnsubscribe,
		reflect.TypeOf(unsubscribeAllRequest{}): instance.processUnsubscribeAll,
		reflect.TypeOf(broadcastRequest{}):      instance.processBroadcast,
	}
	for reqType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(reqType, handler); err != nil {
			return nil, err
		}
	}
	return &instance, nil
}

// StartEventLoop starts the hub event processing
func (h *topicHubImpl) StartEventLoop(wg *sync.WaitGroup) error {
	if err := h.tp.StartEventLoop(wg); err != nil {
		return err
	}
	h.running.Store(true)
	return nil
}

// StopEventLoop stops the hub event processing
func (h *topicHubImpl) StopEventLoop() error {
	h.running.Store(false)
	return h.tp.StopEventLoop()
}

// Ready whether the event loop is processing
func (h *topicHubImpl) Ready() bool {
	return h.running.Load()
}

// ----------------------------------------------------------------------------------------
// Session registration

type registerRequest struct {
	id       uuid.UUID
	outbound OutboundSink
}

// RegisterSession add a session to the registry
func (h *topicHubImpl) RegisterSession(
	ctxt context.Context, id uuid.UUID, outbound OutboundSink,
) error {
	return h.tp.Submit(ctxt, registerRequest{id: id, outbound: outbound})
}

func (h *topicHubImpl) processRegister(param interface{}) error {
	request, ok := param.(registerRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register request", reflect.TypeOf(param),
		)
	}
	h.sessions[request.id] = request.outbound
	log.WithFields(h.LogTags).Infof("Registered session %s", request.id)
	return nil
}

// ----------------------------------------------------------------------------------------
// Session removal

type deregisterRequest struct {
	id uuid.UUID
}

// DeregisterSession remove a session and purge all its topic memberships
func (h *topicHubImpl) DeregisterSession(ctxt context.Context, id uuid.UUID) error {
	return h.tp.Submit(ctxt, deregisterRequest{id: id})
}

func (h *topicHubImpl) processDeregister(param interface{}) error {
	request, ok := param.(deregisterRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for deregister request", reflect.TypeOf(param),
		)
	}
	if _, present := h.sessions[request.id]; !present {
		// Already gone. Deregistration is idempotent.
		return nil
	}
	delete(h.sessions, request.id)
	h.dropFromAllTopics(request.id)
	log.WithFields(h.LogTags).Infof("Deregistered session %s", request.id)
	return nil
}

func (h *topicHubImpl) dropFromAllTopics(id uuid.UUID) {
	for _, subscribers := range h.topics {
		delete(subscribers, id)
	}
}

// ----------------------------------------------------------------------------------------
// Topic subscription

type subscribeRequest struct {
	id    uuid.UUID
	topic string
	token string
}

// Subscribe add a session to a topic's subscriber set
func (h *topicHubImpl) Subscribe(
	ctxt context.Context, id uuid.UUID, topic string, token string,
) error {
	return h.tp.Submit(ctxt, subscribeRequest{id: id, topic: topic, token: token})
}

func (h *topicHubImpl) processSubscribe(param interface{}) error {
	request, ok := param.(subscribeRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe request", reflect.TypeOf(param),
		)
	}
	if _, present := h.sessions[request.id]; !present {
		log.WithFields(h.LogTags).Debugf(
			"Ignoring subscribe from unknown session %s", request.id,
		)
		return nil
	}
	action, err := h.verifier.Verify(request.token)
	if err != nil {
		// Authorization failures are logged here and dropped. The client is
		// given no feedback on whether the topic exists or is protected.
		log.WithError(err).WithFields(h.LogTags).Warnf(
			"Session %s denied subscribe to topic %s", request.id, request.topic,
		)
		return nil
	}
	if action.Scope != auth.ScopeSubscribe || !action.AllowsTopic(request.topic) {
		log.WithFields(h.LogTags).Warnf(
			"Session %s not allowed to subscribe to topic %s", request.id, request.topic,
		)
		return nil
	}
	subscribers, exist := h.topics[request.topic]
	if !exist {
		subscribers = make(map[uuid.UUID]bool)
		h.topics[request.topic] = subscribers
	}
	subscribers[request.id] = true
	log.WithFields(h.LogTags).Infof(
		"Session %s subscribed to topic %s", request.id, request.topic,
	)
	return nil
}

// ----------------------------------------------------------------------------------------
// Topic unsubscribe

type unsubscribeRequest struct {
	id    uuid.UUID
	topic string
}

// Unsubscribe remove a session from a topic's subscriber set
func (h *topicHubImpl) Unsubscribe(ctxt context.Context, id uuid.UUID, topic string) error {
	return h.tp.Submit(ctxt, unsubscribeRequest{id: id, topic: topic})
}

func (h *topicHubImpl) processUnsubscribe(param interface{}) error {
	request, ok := param.(unsubscribeRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe request", reflect.TypeOf(param),
		)
	}
	if subscribers, exist := h.topics[request.topic]; exist {
		delete(subscribers, request.id)
		log.WithFields(h.LogTags).Infof(
			"Session %s left topic %s", request.id, request.topic,
		)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type unsubscribeAllRequest struct {
	id uuid.UUID
}

// UnsubscribeAll remove a session from every topic's subscriber set
func (h *topicHubImpl) UnsubscribeAll(ctxt context.Context, id uuid.UUID) error {
	return h.tp.Submit(ctxt, unsubscribeAllRequest{id: id})
}

func (h *topicHubImpl) processUnsubscribeAll(param interface{}) error {
	request, ok := param.(unsubscribeAllRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe-all request", reflect.TypeOf(param),
		)
	}
	h.dropFromAllTopics(request.id)
	log.WithFields(h.LogTags).Infof("Session %s left all topics", request.id)
	return nil
}

// ----------------------------------------------------------------------------------------
// Message broadcast

type broadcastRequest struct {
	topic   string
	message string
	token   string
}

// Broadcast deliver a message to every current subscriber of a topic
func (h *topicHubImpl) Broadcast(
	ctxt context.Context, topic string, message string, token string,
) error {
	return h.tp.Submit(ctxt, broadcastRequest{topic: topic, message: message, token: token})
}

func (h *topicHubImpl) processBroadcast(param interface{}) error {
	request, ok := param.(broadcastRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for broadcast request", reflect.TypeOf(param),
		)
	}
	action, err := h.verifier.Verify(request.token)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Warnf(
			"Denied broadcast to topic %s", request.topic,
		)
		return nil
	}
	if action.Scope != auth.ScopeBroadcast || !action.AllowsTopic(request.topic) {
		log.WithFields(h.LogTags).Warnf(
			"Not allowed to broadcast to topic %s", request.topic,
		)
		return nil
	}
	// A topic with no subscribers is a successful no-op
	delivered := 0
	for id := range h.topics[request.topic] {
		outbound, present := h.sessions[id]
		if !present {
			continue
		}
		// Best effort. One full session must not hold up the rest.
		if outbound.Deliver(request.message) {
			delivered++
		} else {
			log.WithFields(h.LogTags).Debugf(
				"Dropped broadcast frame for session %s on topic %s", id, request.topic,
			)
		}
	}
	log.WithFields(h.LogTags).Debugf(
		"Broadcast on topic %s reached %d sessions", request.topic, delivered,
	)
	return nil
}

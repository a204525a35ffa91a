package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/alwitt/wsbroker/common"
	"github.com/alwitt/wsbroker/hub"
	"github.com/alwitt/wsbroker/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// BroadcastRequest broadcast endpoint request body
type BroadcastRequest struct {
	// Topic is the topic to broadcast on
	Topic string `json:"topic" validate:"required"`
	// Message is the text payload delivered verbatim to every subscriber
	Message string `json:"message" validate:"required"`
	// Token is a signed token granting broadcast capability for the topic
	Token string `json:"token" validate:"required"`
}

// APIRestBrokerHandler REST handler for the broker endpoints
type APIRestBrokerHandler struct {
	APIRestHandler
	registry      hub.Hub
	validate      *validator.Validate
	upgrader      websocket.Upgrader
	sessionConfig common.SessionConfig
	baseContext   context.Context
	wg            *sync.WaitGroup
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	baseContext context.Context,
	registry hub.Hub,
	httpConfig *common.HTTPConfig,
	sessionConfig common.SessionConfig,
	wg *sync.WaitGroup,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker",
	}
	return APIRestBrokerHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		registry: registry,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token gating happens per topic, not per connection
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessionConfig: sessionConfig,
		baseContext:   baseContext,
		wg:            wg,
	}, nil
}

// =======================================================================
// Message broadcast

// Broadcast accepts an out-of-band broadcast request.
//
// The request body shape is checked and rejected with 400 when malformed.
// A well formed request is handed to the hub fire-and-forget: the caller is
// told success whether or not authorization later admits the broadcast.
func (h APIRestBrokerHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, "POST /v1/broadcast")
	}()

	var request BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Request body missing required fields"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}

	if err := h.registry.Broadcast(
		r.Context(), request.Topic, request.Message, request.Token,
	); err != nil {
		msg := "Unable to submit broadcast event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	respCode = http.StatusOK
	respBody = getStdRESTSuccessMsg()
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestBrokerHandler) BroadcastHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	})
}

// =======================================================================
// WebSocket endpoint

// Websocket upgrades a connection and hands it to a new session
func (h APIRestBrokerHandler) Websocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	wsSession, err := session.GetWSSession(
		h.baseContext, conn, h.registry, h.sessionConfig, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}
	if err := wsSession.Start(); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to start session")
		return
	}
	log.WithFields(localLogTags).Infof("Serving session %s", wsSession.ID())
}

// WebsocketHandler Wrapper around Websocket
func (h APIRestBrokerHandler) WebsocketHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Websocket(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive liveness check
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready readiness check; the broker is ready once the hub event loop runs
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.registry.Ready() {
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
	} else {
		msg := "not ready"
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}

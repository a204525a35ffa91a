package apis

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsbroker/auth"
	"github.com/alwitt/wsbroker/common"
	"github.com/alwitt/wsbroker/hub"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type brokerTestFixture struct {
	srv     *httptest.Server
	private *ecdsa.PrivateKey
}

func (f *brokerTestFixture) signToken(t *testing.T, scope string, topics ...string) string {
	claims := jwt.MapClaims{
		"sub":    "unit-test",
		"exp":    jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"topics": topics,
		"scope":  scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(f.private)
	assert.Nil(t, err)
	return signed
}

func (f *brokerTestFixture) dialWS(t *testing.T) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(t, err)
	return client
}

func setupBrokerTestFixture(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) *brokerTestFixture {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(t, err)
	marshalled, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	assert.Nil(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: marshalled})

	verifier, err := auth.GetECDSATokenVerifier(publicPEM)
	assert.Nil(t, err)
	registry, err := hub.GetTopicHub(verifier, 64, ctxt)
	assert.Nil(t, err)
	assert.Nil(t, registry.StartEventLoop(wg))

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Wsbroker-Request-ID"},
	}
	sessionConfig := common.SessionConfig{
		HeartbeatInterval:  15,
		HeartbeatTimeout:   30,
		OutboundBufferSize: 16,
		MaxMessageSize:     65536,
	}
	handler, err := GetAPIRestBrokerHandler(ctxt, registry, &httpConfig, sessionConfig, wg)
	assert.Nil(t, err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/broadcast", MethodHandlers{
		"post": handler.BroadcastHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/ws", MethodHandlers{
		"get": handler.WebsocketHandler(),
	})
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(router, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	return &brokerTestFixture{srv: httptest.NewServer(router), private: private}
}

func TestBroadcastEndpointValidation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := setupBrokerTestFixture(t, utCtxt, &wg)
	defer fixture.srv.Close()

	broadcastURL := fixture.srv.URL + "/v1/broadcast"

	// Case 0: not JSON at all
	{
		resp, err := http.Post(broadcastURL, "application/json", strings.NewReader("not json"))
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		var parsed StandardResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.False(parsed.Success)
		_ = resp.Body.Close()
	}

	// Case 1: missing fields
	{
		resp, err := http.Post(
			broadcastURL, "application/json", strings.NewReader(`{"topic": "news"}`),
		)
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 2: mistyped fields
	{
		resp, err := http.Post(
			broadcastURL,
			"application/json",
			strings.NewReader(`{"topic": 42, "message": "hi", "token": "t"}`),
		)
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 3: well formed request is accepted even with a junk token
	{
		body, err := json.Marshal(BroadcastRequest{
			Topic: "news", Message: "hello", Token: "junk",
		})
		assert.Nil(err)
		resp, err := http.Post(broadcastURL, "application/json", bytes.NewReader(body))
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed StandardResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.True(parsed.Success)
		_ = resp.Body.Close()
	}
}

func TestBrokerEndToEnd(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := setupBrokerTestFixture(t, utCtxt, &wg)
	defer fixture.srv.Close()

	broadcastURL := fixture.srv.URL + "/v1/broadcast"
	postBroadcast := func(topic, message, token string) {
		body, err := json.Marshal(BroadcastRequest{
			Topic: topic, Message: message, Token: token,
		})
		assert.Nil(err)
		resp, err := http.Post(broadcastURL, "application/json", bytes.NewReader(body))
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	clientA := fixture.dialWS(t)
	defer clientA.Close()
	clientB := fixture.dialWS(t)
	defer clientB.Close()

	// A subscribes to "news" with a valid token. B holds a token for
	// "sports" only, so its subscribe to "news" must be silently dropped.
	subTokenA := fixture.signToken(t, auth.ScopeSubscribe, "news")
	subTokenB := fixture.signToken(t, auth.ScopeSubscribe, "sports")
	assert.Nil(clientA.WriteMessage(
		websocket.TextMessage, []byte(fmt.Sprintf("/subscribe news %s", subTokenA)),
	))
	assert.Nil(clientB.WriteMessage(
		websocket.TextMessage, []byte(fmt.Sprintf("/subscribe news %s", subTokenB)),
	))
	// Subscription offers no confirmation frame; allow the events to land
	time.Sleep(time.Millisecond * 500)

	// Case 0: broadcast reaches A but not B
	{
		postBroadcast("news", "hello", fixture.signToken(t, auth.ScopeBroadcast, "news"))

		assert.Nil(clientA.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, payload, err := clientA.ReadMessage()
		assert.Nil(err)
		assert.Equal("hello", string(payload))

		assert.Nil(clientB.SetReadDeadline(time.Now().Add(time.Millisecond * 500)))
		_, _, err = clientB.ReadMessage()
		assert.NotNil(err)
	}

	// Case 1: broadcast with a subscribe scoped token delivers nothing
	{
		postBroadcast("news", "blocked", fixture.signToken(t, auth.ScopeSubscribe, "news"))

		assert.Nil(clientA.SetReadDeadline(time.Now().Add(time.Millisecond * 500)))
		_, _, err := clientA.ReadMessage()
		assert.NotNil(err)
	}
}

func TestBrokerHealthEndpoints(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := setupBrokerTestFixture(t, utCtxt, &wg)
	defer fixture.srv.Close()

	for _, endpoint := range []string{"/alive", "/ready"} {
		resp, err := http.Get(fixture.srv.URL + endpoint)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

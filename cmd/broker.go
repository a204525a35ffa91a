package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsbroker/apis"
	"github.com/alwitt/wsbroker/auth"
	"github.com/alwitt/wsbroker/common"
	"github.com/alwitt/wsbroker/hub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/netutil"
)

// BrokerCLIArgs arguments
type BrokerCLIArgs struct {
	// PublicKeyB64 is the base64 encoded PEM ECDSA P-256 public key used
	// to verify client supplied tokens
	PublicKeyB64 string `validate:"required,base64"`
}

// GetBrokerCLIFlags retrieve the set of CMD flags for the broker server
func GetBrokerCLIFlags(args *BrokerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "jwt-public-key",
			Usage:       "Base64 encoded PEM ECDSA P-256 public key for token verification",
			Aliases:     []string{"k"},
			EnvVars:     []string{"JWT_PUBLIC_KEY_B64"},
			Destination: &args.PublicKeyB64,
			Required:    true,
		},
	}
}

// RunBrokerServer run the broker server
func RunBrokerServer(
	params BrokerCLIArgs,
	instance string,
	config *common.SystemConfig,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	publicKeyPEM, err := base64.StdEncoding.DecodeString(params.PublicKeyB64)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to decode public key")
		return err
	}
	verifier, err := auth.GetECDSATokenVerifier(publicKeyPEM)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	registry, err := hub.GetTopicHub(verifier, config.Hub.EventBufferSize, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}
	if err := registry.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast hub")
		return err
	}

	httpHandler, err := apis.GetAPIRestBrokerHandler(
		localCtxt, registry, &config.Broker.HTTPSetting, config.Session, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Broker.Endpoints.PathPrefix, nil)

	// Out-of-band broadcast
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/broadcast", apis.MethodHandlers{
		"post": httpHandler.BroadcastHandler(),
	})

	// Client connection
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", apis.MethodHandlers{
		"get": httpHandler.WebsocketHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.Broker.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	listener, err := net.Listen("tcp", serverListen)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", serverListen)
		return err
	}
	if config.Broker.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, config.Broker.MaxConnections)
	}

	// Upgraded connections clear these deadlines on hijack, so the
	// timeouts only govern the plain REST endpoints
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := registry.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during hub shutdown")
	}

	return nil
}

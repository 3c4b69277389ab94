// Package appendpoint implements the AppEndpoint: the duplex WebSocket
// server Apps connect to after being started via webhook, handling the
// CONNECTION_INIT handshake and the App-to-cloud message dispatch table.
package appendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/display"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/observe"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/registry"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// Message type discriminators for the App-to-cloud channel.
const (
	TypeConnectionInit     = "CONNECTION_INIT"
	TypeSubscriptionUpdate = "subscription_update"
	TypeDisplayRequest     = "display_request"
	TypeRTMPStreamRequest  = "rtmp_stream_request"
	TypeRTMPStreamStop     = "rtmp_stream_stop"
	TypePhotoRequest       = "photo_request"
	TypeAudioPlayRequest   = "audio_play_request"
	TypeAudioStopRequest   = "audio_stop_request"
	TypeCustomMessage      = "custom_message"

	dashboardTypePrefix = "dashboard_"
	dashboardRemoveType = "dashboard_remove"
)

var (
	ErrNotInitialized  = errors.New("appendpoint: first message must be CONNECTION_INIT")
	ErrSessionNotFound = errors.New("appendpoint: no active session for this connection")
	ErrMissingAPIKey   = errors.New("appendpoint: CONNECTION_INIT missing apiKey")
)

type connectionInitBody struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
}

type subscriptionUpdateBody struct {
	Keys []string `json:"keys" validate:"dive,required"`
}

type displayRequestBody struct {
	Layout   string `json:"layout" validate:"required"`
	Priority int    `json:"priority"`
}

type dashboardBody struct {
	Content any `json:"content"`
}

// validate checks the struct tags on decoded message bodies before they
// reach their manager. A single shared instance is safe for concurrent
// use (go-playground/validator caches struct metadata internally).
var validate = validator.New()

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// APIKeyVerifier validates an App's static API key for its package. The
// handshake consults it when CONNECTION_INIT carries an apiKey and no
// sessionId; such a connection is not joined to any session, so after the
// key check the handshake fails with ErrSessionNotFound.
type APIKeyVerifier interface {
	Verify(packageName, apiKey string) bool
}

// Server is the App WebSocket endpoint.
type Server struct {
	registry *registry.Registry
	verifier APIKeyVerifier
	metrics  *observe.Metrics
	log      *slog.Logger
}

// Config groups the constructor arguments for [NewServer].
type Config struct {
	Registry *registry.Registry
	Verifier APIKeyVerifier
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// NewServer creates an App endpoint [Server].
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{registry: cfg.Registry, verifier: cfg.Verifier, metrics: metrics, log: logger}
}

// ServeHTTP upgrades the connection and waits for CONNECTION_INIT before
// accepting any other message.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	sess, packageName, err := s.handshake(ctx, conn)
	if err != nil {
		s.metrics.RecordAuthFailure(ctx, "app")
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	link := &appLink{conn: conn}
	if err := sess.Apps.HandleAppInit(packageName, link); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	s.log.Info("app connected", "package", packageName, "user_id", sess.UserID)
	s.readLoop(ctx, conn, sess, packageName)

	sess.Apps.HandleClose(packageName)
	s.log.Info("app disconnected", "package", packageName, "user_id", sess.UserID)
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*registry.UserSession, string, error) {
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		return nil, "", err
	}
	if msgType != websocket.MessageText {
		return nil, "", ErrNotInitialized
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeConnectionInit {
		return nil, "", ErrNotInitialized
	}

	var body connectionInitBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, "", ErrNotInitialized
	}

	if body.SessionID != "" {
		sess, ok := s.registry.Get(body.SessionID)
		if !ok {
			return nil, "", ErrSessionNotFound
		}
		return sess, body.PackageName, nil
	}

	if body.APIKey == "" {
		return nil, "", ErrMissingAPIKey
	}
	if s.verifier != nil && !s.verifier.Verify(body.PackageName, body.APIKey) {
		return nil, "", appmanager.ErrAppNotInstalled
	}

	return nil, "", ErrSessionNotFound
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *registry.UserSession, packageName string) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.dispatch(ctx, sess, packageName, data)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *registry.UserSession, packageName string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case TypeSubscriptionUpdate:
		var body subscriptionUpdateBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		if err := validate.Struct(body); err != nil {
			s.log.Debug("rejected subscription_update", "package", packageName, "err", err)
			return
		}
		added, _ := sess.Subscriptions.Update(packageName, body.Keys)
		sess.Subscriptions.ReplayCachedValues(ctx, packageName, added)
		if err := sess.Transcription.UpdateSubscriptions(ctx, sess.Subscriptions.AllTranscriptionKeys()); err != nil {
			s.log.Warn("transcription subscription update failed", "err", err)
		}

	case TypeDisplayRequest:
		var body displayRequestBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		if err := validate.Struct(body); err != nil {
			s.log.Debug("rejected display_request", "package", packageName, "err", err)
			return
		}
		if sess.Display == nil {
			return
		}
		if err := sess.Display.RequestLayout(ctx, display.Layout{
			PackageName: packageName,
			View:        body.Layout,
			Priority:    body.Priority,
		}); err != nil {
			s.log.Debug("display request rejected", "package", packageName, "err", err)
		}

	case TypeRTMPStreamRequest:
		if sess.Stream == nil {
			return
		}
		url, err := sess.Stream.StartStream(ctx, sess.UserID)
		if err != nil {
			s.log.Warn("managed stream start failed", "package", packageName, "err", err)
			return
		}
		if link := sess.GlassesLink(); link != nil {
			_ = link.Send(ctx, map[string]any{"type": "start_rtmp_stream", "packageName": packageName})
		}
		s.sendToApp(ctx, sess, packageName, map[string]any{"type": "managed_stream_status", "status": "active", "url": url})

	case TypeRTMPStreamStop:
		if sess.Stream == nil {
			return
		}
		if err := sess.Stream.StopStream(ctx); err != nil {
			s.log.Debug("managed stream stop failed", "package", packageName, "err", err)
		}
		if link := sess.GlassesLink(); link != nil {
			_ = link.Send(ctx, map[string]any{"type": "stop_rtmp_stream", "packageName": packageName})
		}
		s.sendToApp(ctx, sess, packageName, map[string]any{"type": "managed_stream_status", "status": "stopped"})

	case TypePhotoRequest:
		if sess.Photo == nil {
			return
		}
		req, err := sess.Photo.RegisterPending(packageName)
		if err != nil {
			s.log.Debug("photo request rejected", "package", packageName, "err", err)
			s.sendToApp(ctx, sess, packageName, map[string]any{"type": "photo_response", "error": err.Error()})
			return
		}
		if link := sess.GlassesLink(); link != nil {
			_ = link.Send(ctx, map[string]any{"type": TypePhotoRequest, "packageName": packageName, "requestId": req.RequestID})
		}

	case TypeAudioPlayRequest, TypeAudioStopRequest:
		if link := sess.GlassesLink(); link != nil {
			_ = link.Send(ctx, map[string]any{"type": env.Type, "packageName": packageName, "body": env.Body})
		}

	case TypeCustomMessage:
		if link := sess.GlassesLink(); link != nil {
			_ = link.Send(ctx, map[string]any{"type": TypeCustomMessage, "packageName": packageName, "body": env.Body})
		}

	default:
		if strings.HasPrefix(env.Type, dashboardTypePrefix) {
			s.dispatchDashboard(ctx, sess, packageName, env)
			return
		}
		s.log.Debug("unhandled app message type", "type", env.Type)
	}
}

func (s *Server) dispatchDashboard(ctx context.Context, sess *registry.UserSession, packageName string, env envelope) {
	if sess.Dashboard == nil {
		return
	}
	if env.Type == dashboardRemoveType {
		if err := sess.Dashboard.RemoveWidget(ctx, packageName); err != nil {
			s.log.Debug("dashboard widget removal failed", "package", packageName, "err", err)
		}
		return
	}
	var body dashboardBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return
	}
	if err := sess.Dashboard.SetWidget(ctx, packageName, body.Content); err != nil {
		s.log.Debug("dashboard widget update failed", "package", packageName, "err", err)
	}
}

// sendToApp delivers v to packageName's own App link, used for responses
// that must reach only the requesting App rather than the glasses link.
func (s *Server) sendToApp(ctx context.Context, sess *registry.UserSession, packageName string, v any) {
	if err := sess.Apps.Send(ctx, packageName, v); err != nil {
		s.log.Debug("send to app failed", "package", packageName, "err", err)
	}
}

// appLink adapts a [*websocket.Conn] to [appmanager.Link].
type appLink struct {
	conn *websocket.Conn
}

func (l *appLink) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *appLink) Close(code types.CloseCode, reason string) error {
	return l.conn.Close(websocket.StatusCode(code), reason)
}

var _ appmanager.Link = (*appLink)(nil)

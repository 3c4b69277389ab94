// Package glasses implements the GlassesEndpoint: the duplex WebSocket
// server smart glasses connect to, handling auth, session
// acquire/reconnect, binary audio ingestion, and the glasses-to-cloud
// message dispatch table.
package glasses

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/observe"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/registry"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/subscription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// Message type discriminators for the glasses-to-cloud channel.
const (
	TypeStartApp           = "start_app"
	TypeStopApp            = "stop_app"
	TypeSubscriptionUpdate = "subscription_update"
	TypeLocationUpdate     = "location_update"
	TypeCalendarEvent      = "calendar_event"
	TypeRTMPStreamStatus   = "rtmp_stream_status"
	TypeKeepAliveAck       = "keep_alive_ack"
	TypePhotoResponse      = "photo_response"
	TypeCustomMessage      = "custom_message"
	TypeVAD                = "vad"
	TypeHeadPosition       = "head_position"
	TypeCoreStatusUpdate   = "core_status_update"
	TypeRequestSettings    = "request_settings"
)

// Message type discriminators for the cloud-to-glasses channel.
const (
	TypeConnectionAck = "connection_ack"
)

// envelope is the outer JSON shape of every text message from glasses.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type startAppBody struct {
	PackageName string `json:"packageName"`
}

type stopAppBody struct {
	PackageName string `json:"packageName"`
}

type subscriptionUpdateBody struct {
	PackageName string   `json:"packageName"`
	Keys        []string `json:"keys"`
}

type photoResponseBody struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
}

type keepAliveAckBody struct {
	AckID string `json:"ackId"`
}

type vadBody struct {
	Status bool `json:"status"`
}

type headPositionBody struct {
	Position string `json:"position"`
}

type requestSettingsBody struct {
	PackageName string `json:"packageName"`
}

// connectionAck is sent to the glasses immediately on accept, distinct from
// [appmanager.ConnectionAck] which is sent to an App on HandleAppInit.
type connectionAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Authenticator verifies an inbound connection's token and returns the
// glasses wearer's user ID.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Server is the glasses WebSocket endpoint.
type Server struct {
	registry               *registry.Registry
	auth                   Authenticator
	metrics                *observe.Metrics
	log                    *slog.Logger
	sampleRate             int
	systemDashboardPackage string
}

// Config groups the constructor arguments for [NewServer].
type Config struct {
	Registry   *registry.Registry
	Auth       Authenticator
	SampleRate int
	Metrics    *observe.Metrics
	Logger     *slog.Logger
	// SystemDashboardPackage names the always-running system dashboard App,
	// started alongside a wearer's previously-running Apps the first time
	// their glasses connect in a session. Empty disables bootstrap.
	SystemDashboardPackage string
}

// NewServer creates a glasses endpoint [Server].
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Server{
		registry:               cfg.Registry,
		auth:                   cfg.Auth,
		metrics:                metrics,
		log:                    logger,
		sampleRate:             sampleRate,
		systemDashboardPackage: cfg.SystemDashboardPackage,
	}
}

// ServeHTTP upgrades the connection, authenticates the wearer, acquires (or
// reconnects) their [registry.UserSession], and runs the read loop until
// the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.metrics.RecordAuthFailure(r.Context(), "glasses")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}

	link := &glassesLink{conn: conn}
	sess, reconnected := s.registry.Acquire(userID, link)
	if reconnected {
		s.metrics.SessionResurrections.Add(r.Context(), 1)
	} else {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
	}
	s.log.Info("glasses connected", "user_id", userID, "reconnected", reconnected)
	sess.Audio.SetReady(true)

	if err := link.Send(r.Context(), connectionAck{Type: TypeConnectionAck, SessionID: userID}); err != nil {
		s.log.Warn("connection_ack send failed", "user_id", userID, "err", err)
	}
	if !reconnected {
		s.bootstrap(r.Context(), sess)
	}

	s.readLoop(r.Context(), conn, sess)

	sess.Audio.SetReady(false)
	s.registry.NotifyDisconnected(userID)
	s.log.Info("glasses disconnected", "user_id", userID)
}

// bootstrap starts the system dashboard App and the wearer's previously
// running Apps the first time their glasses connect in a session. It is
// skipped on reconnect, since those Apps are already running (or mid
// grace-period) against the existing session.
func (s *Server) bootstrap(ctx context.Context, sess *registry.UserSession) {
	pkgs, err := sess.Apps.PreviouslyRunningApps()
	if err != nil {
		s.log.Warn("failed to load previously running apps", "user_id", sess.UserID, "err", err)
	}
	if s.systemDashboardPackage != "" && !containsPackage(pkgs, s.systemDashboardPackage) {
		pkgs = append(pkgs, s.systemDashboardPackage)
	}
	if len(pkgs) == 0 {
		return
	}
	if err := sess.Apps.StartPreviouslyRunningApps(ctx, pkgs); err != nil {
		s.log.Warn("failed to start apps on bootstrap", "user_id", sess.UserID, "err", err)
	}
}

func containsPackage(pkgs []string, pkg string) bool {
	for _, p := range pkgs {
		if p == pkg {
			return true
		}
	}
	return false
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *registry.UserSession) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			sess.Audio.Route(types.AudioFrame{PCM: data, SampleRate: s.sampleRate, Timestamp: time.Now()})
		case websocket.MessageText:
			s.dispatch(ctx, sess, data)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *registry.UserSession, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("malformed glasses message", "err", err)
		return
	}

	switch env.Type {
	case TypeStartApp:
		var body startAppBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		go func() {
			if err := sess.Apps.StartApp(ctx, body.PackageName); err != nil {
				s.log.Warn("start_app failed", "package", body.PackageName, "err", err)
			}
		}()

	case TypeStopApp:
		var body stopAppBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		sess.Apps.StopApp(body.PackageName)
		sess.Subscriptions.Remove(body.PackageName)

	case TypeSubscriptionUpdate:
		var body subscriptionUpdateBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		added, _ := sess.Subscriptions.Update(body.PackageName, body.Keys)
		sess.Subscriptions.ReplayCachedValues(ctx, body.PackageName, added)
		if err := sess.Transcription.UpdateSubscriptions(ctx, sess.Subscriptions.AllTranscriptionKeys()); err != nil {
			s.log.Warn("transcription subscription update failed", "err", err)
		}

	case TypeLocationUpdate:
		var loc types.Location
		if err := json.Unmarshal(env.Body, &loc); err != nil {
			return
		}
		sess.Subscriptions.CacheLocation(ctx, loc)

	case TypeCalendarEvent:
		var ev types.CalendarEvent
		if err := json.Unmarshal(env.Body, &ev); err != nil {
			return
		}
		sess.Subscriptions.CacheCalendarEvent(ctx, ev)

	case TypeVAD:
		var body vadBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		sess.Transcription.SetSpeaking(ctx, body.Status)

	case TypeHeadPosition:
		var body headPositionBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		if sess.Dashboard == nil {
			return
		}
		if _, _, err := sess.Dashboard.Cycle(ctx); err != nil {
			s.log.Warn("dashboard cycle failed", "position", body.Position, "err", err)
		}

	case TypeCoreStatusUpdate:
		var settings map[string]any
		if err := json.Unmarshal(env.Body, &settings); err != nil {
			return
		}
		sess.Subscriptions.UpdateCoreSettings(ctx, settings)

	case TypeRequestSettings:
		var body requestSettingsBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		_ = sess.Apps.Send(ctx, body.PackageName, map[string]any{
			"type": TypeCoreStatusUpdate,
			"body": sess.Subscriptions.CoreSettings(),
		})

	case TypeRTMPStreamStatus:
		if sess.Video == nil {
			return
		}
		if holder := sess.Video.Holder(); holder != "" {
			_ = sess.Apps.Send(ctx, holder, map[string]any{"type": TypeRTMPStreamStatus, "body": env.Body})
		}

	case TypeKeepAliveAck:
		var body keepAliveAckBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		s.log.Debug("managed stream keep-alive acknowledged", "ack_id", body.AckID)

	case TypePhotoResponse:
		var body photoResponseBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		if sess.Photo == nil {
			return
		}
		req, ok := sess.Photo.Resolve(body.RequestID)
		if !ok {
			return
		}
		_ = sess.Apps.Send(ctx, req.PackageName, map[string]any{"type": TypePhotoResponse, "requestId": body.RequestID, "url": body.URL})
		sess.Photo.Complete(body.RequestID)

	case TypeCustomMessage:
		for _, pkg := range sess.Subscriptions.Subscribers(subscription.KeyCustomMessage) {
			_ = sess.Apps.Send(ctx, pkg, env.Body)
		}

	default:
		s.log.Debug("unhandled glasses message type", "type", env.Type)
	}
}

// glassesLink adapts a [*websocket.Conn] to [registry.GlassesLink].
type glassesLink struct {
	conn *websocket.Conn
}

func (l *glassesLink) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *glassesLink) Close(code types.CloseCode, reason string) error {
	return l.conn.Close(websocket.StatusCode(code), reason)
}

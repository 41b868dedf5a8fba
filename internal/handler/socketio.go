package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vitals-monitor/internal/metrics"
	"vitals-monitor/internal/models"
	"vitals-monitor/internal/session"
)

const (
	SourceSocketIO = "socketio"

	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var (
	ErrServerClosed    = errors.New("handler: stream closed by server")
	ErrConnectRejected = errors.New("handler: stream connection rejected")
)

// EventSink receives decoded stream events. *monitor.Processor satisfies it.
type EventSink interface {
	Publish(ctx context.Context, ev models.StreamEvent) bool
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

type connectError struct {
	Message string `json:"message"`
}

// StreamClient subscribes to the backend's real-time channel (Socket.IO v4
// over a WebSocket transport) and forwards dados_vitais and dados_quedas
// events to a sink.
type StreamClient struct {
	url        string
	namespace  string
	session    *session.Session
	sink       EventSink
	dialer     *websocket.Dialer
	logger     *zap.Logger
	metrics    *metrics.Collector
	minBackoff time.Duration
	maxBackoff time.Duration
}

type StreamOption func(*StreamClient)

func WithNamespace(nsp string) StreamOption {
	return func(c *StreamClient) {
		if nsp != "" && nsp != "/" {
			c.namespace = "/" + strings.Trim(nsp, "/")
		}
	}
}

func WithReconnectBackoff(initial, limit time.Duration) StreamOption {
	return func(c *StreamClient) {
		if initial > 0 {
			c.minBackoff = initial
		}
		if limit >= c.minBackoff {
			c.maxBackoff = limit
		}
	}
}

func WithStreamMetrics(m *metrics.Collector) StreamOption {
	return func(c *StreamClient) { c.metrics = m }
}

func NewStreamClient(baseURL string, sess *session.Session, sink EventSink, logger *zap.Logger, opts ...StreamOption) (*StreamClient, error) {
	if sess == nil {
		return nil, errors.New("handler: stream client needs a session")
	}
	u, err := socketURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &StreamClient{
		url:        u,
		namespace:  "/",
		session:    sess,
		sink:       sink,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger.With(zap.String("source", SourceSocketIO)),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *StreamClient) URL() string { return c.url }

// socketURL maps the backend origin onto the Engine.IO WebSocket endpoint.
func socketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("handler: stream url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("handler: stream url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("handler: stream url: missing host in %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps the stream connected until ctx is done, reconnecting with capped
// exponential backoff. It returns nil on cancellation and an error matching
// session.ErrUnauthorized when the server rejects the credentials.
func (c *StreamClient) Run(ctx context.Context) error {
	backoff := c.minBackoff
	c.publishStatus(ctx, models.StreamConnecting, "")
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.metrics.SetConnected(SourceSocketIO, false)
			c.logger.Info("Stream client stopped")
			return nil
		}
		c.publishStatus(ctx, models.StreamDisconnected, errString(err))
		if errors.Is(err, session.ErrUnauthorized) {
			c.logger.Error("Stream rejected credentials, login required", zap.Error(err))
			return err
		}
		if connected {
			backoff = c.minBackoff
		}
		c.logger.Warn("Stream connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		if !backoffSleep(ctx, backoff) {
			return nil
		}
		c.publishStatus(ctx, models.StreamConnecting, "")
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *StreamClient) connectOnce(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	connected := false
	readTimeout := defaultReadTimeout
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case eioOpen:
			var open openPacket
			if err := json.Unmarshal(data[1:], &open); err != nil {
				return false, fmt.Errorf("%w: bad open packet: %v", ErrConnectRejected, err)
			}
			if open.PingInterval > 0 {
				readTimeout = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
			}
			auth, err := json.Marshal(c.session.StreamAuth())
			if err != nil {
				return false, err
			}
			if err := c.write(conn, connectPacket(c.namespace, auth)); err != nil {
				return false, err
			}
		case eioPing:
			if err := c.write(conn, []byte{eioPong}); err != nil {
				return connected, err
			}
		case eioClose:
			return connected, ErrServerClosed
		case eioMessage:
			now, err := c.handleSocketPacket(ctx, data[1:])
			if err != nil {
				return connected, err
			}
			if now && !connected {
				connected = true
				c.publishStatus(ctx, models.StreamConnected, "")
				c.logger.Info("Stream connected", zap.String("company_id", c.session.CompanyID()))
			}
		}
	}
}

// handleSocketPacket reports true once the namespace connect is acknowledged.
func (c *StreamClient) handleSocketPacket(ctx context.Context, packet []byte) (bool, error) {
	typ, nsp, payload, err := parseSocketPacket(packet)
	if err != nil || nsp != c.namespace {
		return false, nil
	}
	switch typ {
	case sioConnect:
		return true, nil
	case sioConnectError:
		var ce connectError
		_ = json.Unmarshal(payload, &ce)
		if isAuthFailure(ce.Message) {
			return false, fmt.Errorf("connect_error %q: %w", ce.Message, session.ErrUnauthorized)
		}
		return false, fmt.Errorf("%w: %s", ErrConnectRejected, ce.Message)
	case sioDisconnect:
		return false, ErrServerClosed
	case sioEvent:
		name, data, err := decodeEventFrame(payload)
		if err != nil {
			c.metrics.EventDropped("malformed")
			c.logger.Debug("Dropping malformed event frame", zap.Error(err))
			return false, nil
		}
		c.forward(ctx, name, data)
	}
	return false, nil
}

func (c *StreamClient) forward(ctx context.Context, name string, data []byte) {
	if name != models.EventVitals && name != models.EventFalls {
		c.logger.Debug("Ignoring stream event", zap.String("event", name))
		return
	}
	ev, err := DecodeEvent(name, data)
	if err != nil {
		c.metrics.EventDropped("malformed")
		c.logger.Debug("Dropping malformed payload", zap.String("event", name), zap.Error(err))
		return
	}
	c.sink.Publish(ctx, ev)
}

func (c *StreamClient) write(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *StreamClient) publishStatus(ctx context.Context, status models.ConnectionStatus, reason string) {
	c.sink.Publish(ctx, models.ConnectionEvent{Source: SourceSocketIO, Status: status, Reason: reason})
}

func connectPacket(nsp string, auth []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(eioMessage)
	b.WriteByte(sioConnect)
	if nsp != "/" {
		b.WriteString(nsp)
		b.WriteByte(',')
	}
	b.Write(auth)
	return b.Bytes()
}

// parseSocketPacket splits a Socket.IO packet into its type, namespace and
// JSON payload. Ack ids are skipped.
func parseSocketPacket(p []byte) (byte, string, []byte, error) {
	if len(p) == 0 {
		return 0, "", nil, errors.New("empty packet")
	}
	typ, rest := p[0], p[1:]
	nsp := "/"
	if len(rest) > 0 && rest[0] == '/' {
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			nsp, rest = string(rest[:i]), rest[i+1:]
		} else {
			nsp, rest = string(rest), nil
		}
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	return typ, nsp, rest[i:], nil
}

// decodeEventFrame reads ["name", data, ...].
func decodeEventFrame(payload []byte) (string, json.RawMessage, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return "", nil, err
	}
	if len(frame) < 2 {
		return "", nil, fmt.Errorf("event frame has %d elements", len(frame))
	}
	var name string
	if err := json.Unmarshal(frame[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", err)
	}
	return name, frame[1], nil
}

func isAuthFailure(msg string) bool {
	m := strings.ToLower(msg)
	for _, k := range []string{"auth", "token", "jwt", "forbidden", "expired"} {
		if strings.Contains(m, k) {
			return true
		}
	}
	return false
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

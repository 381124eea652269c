package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/config"
	"marketcore/internal/faults"
	"marketcore/logger"
)

const (
	// DefaultReadTimeout bounds the silence tolerated on a stream. The venue
	// pings well inside this window and every ping extends the deadline.
	DefaultReadTimeout = 90 * time.Second
	writeWait          = 10 * time.Second
)

// StreamConn is an open combined-stream connection.
type StreamConn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens combined-stream connections.
type Dialer interface {
	Dial(ctx context.Context, streams []string) (StreamConn, error)
}

// StreamDialer dials Binance combined streams over gorilla/websocket.
type StreamDialer struct {
	baseURL     string
	dialer      websocket.Dialer
	readTimeout time.Duration
	log         *logger.Log
}

// NewStreamDialer builds a dialer from cfg, binding to source.binance.local_ip when set.
func NewStreamDialer(cfg *config.Config) *StreamDialer {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.Reader.Timeout,
	}
	if ip := net.ParseIP(cfg.Source.Binance.LocalIP); ip != nil {
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	}
	return &StreamDialer{
		baseURL:     strings.TrimRight(cfg.Source.Binance.WSURL, "/"),
		dialer:      dialer,
		readTimeout: DefaultReadTimeout,
		log:         logger.GetLogger(),
	}
}

// CombinedURL returns the endpoint multiplexing streams on one connection.
func CombinedURL(baseURL string, streams []string) string {
	return strings.TrimRight(baseURL, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Dial connects to the combined endpoint for streams. Dial failures are *faults.TransportError.
func (d *StreamDialer) Dial(ctx context.Context, streams []string) (StreamConn, error) {
	if len(streams) == 0 {
		return nil, errors.New("no streams requested")
	}
	endpoint := CombinedURL(d.baseURL, streams)
	log := d.log.WithComponent("binance_stream").WithFields(logger.Fields{
		"endpoint": endpoint,
		"streams":  len(streams),
	})

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		log.WithError(err).Warn("failed to connect to binance stream")
		return nil, &faults.TransportError{Op: "dial", Err: err}
	}

	c := &wsConn{conn: conn, readTimeout: d.readTimeout}
	_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	log.Info("connected to binance stream")
	return c, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, &faults.TransportError{Op: "read", Err: err}
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	return data, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

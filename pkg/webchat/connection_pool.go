package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	done chan struct{}
}

// ConnectionPool fans the frames of one builder session out to its websocket
// clients. Each client has its own bounded send queue and writer goroutine; a
// client whose queue is full is dropped.
type ConnectionPool struct {
	sessionID    string
	mu           sync.Mutex
	conns        map[wsConn]*poolClient
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
	sendBuffer   int
	writeTimeout time.Duration
}

func NewConnectionPool(sessionID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		conns:        map[wsConn]*poolClient{},
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; ok {
		return
	}
	size := cp.sendBuffer
	if size <= 0 {
		size = 1
	}
	c := &poolClient{conn: conn, send: make(chan []byte, size), done: make(chan struct{})}
	cp.conns[conn] = c
	cp.stopIdleTimerLocked()
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws write failed, dropping connection")
				cp.Remove(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	cp.dropLocked(conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

func (cp *ConnectionPool) dropLocked(conn wsConn) {
	c, ok := cp.conns[conn]
	if !ok {
		return
	}
	delete(cp.conns, conn)
	close(c.done)
}

// Broadcast queues data for every client without blocking.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var dropped []wsConn
	cp.mu.Lock()
	for conn, c := range cp.conns {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws send queue full, dropping connection")
			cp.dropLocked(conn)
			dropped = append(dropped, conn)
		}
	}
	if len(dropped) > 0 {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
	for _, conn := range dropped {
		_ = closeConn(conn)
	}
}

// SendToOne queues data for a single client.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	c, ok := cp.conns[conn]
	if !ok {
		cp.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		cp.mu.Unlock()
	default:
		cp.dropLocked(conn)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
		_ = closeConn(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	conns := make([]wsConn, 0, len(cp.conns))
	for conn := range cp.conns {
		cp.dropLocked(conn)
		conns = append(conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, conn := range conns {
		_ = closeConn(conn)
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	if cp == nil {
		return
	}
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Package preview streams annotated frames and run progress to browsers.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/segmetric/segmetric/internal/sink"
)

// SendBufferSize is the number of frames queued per viewer before frames are dropped for it.
const SendBufferSize = 8

// JPEGQuality of streamed frames.
const JPEGQuality = 80

// Status is sent as a text message ahead of every frame.
type Status struct {
	Source   string  `json:"source"`
	Progress float64 `json:"progress"`
	Frame    int     `json:"frame"`
}

type message struct {
	status Status
	jpeg   []byte
}

type viewer struct {
	conn    *websocket.Conn
	send    chan message
	dropped int64
}

// Hub fans frames out to connected viewers. It implements sink.Display and sink.Progress.
// A slow viewer loses frames; it never stalls the run.
type Hub struct {
	log sink.Log

	register   chan *viewer
	unregister chan *viewer
	broadcast  chan message
	done       chan struct{}

	mu      sync.RWMutex
	viewers map[*viewer]bool
	latest  []byte
	status  Status

	progressBits atomic.Uint64
	frames       atomic.Int64
}

func NewHub(log sink.Log) *Hub {
	if log == nil {
		log = sink.Discard{}
	}
	return &Hub{
		log:        log,
		register:   make(chan *viewer),
		unregister: make(chan *viewer),
		broadcast:  make(chan message, 1),
		done:       make(chan struct{}),
		viewers:    map[*viewer]bool{},
	}
}

// Run services registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for v := range h.viewers {
				close(v.send)
				delete(h.viewers, v)
			}
			h.mu.Unlock()
			return

		case v := <-h.register:
			h.mu.Lock()
			h.viewers[v] = true
			n := len(h.viewers)
			h.mu.Unlock()
			h.log.Infof("Preview viewer connected. Total: %d", n)

		case v := <-h.unregister:
			h.mu.Lock()
			if h.viewers[v] {
				delete(h.viewers, v)
				close(v.send)
			}
			n := len(h.viewers)
			h.mu.Unlock()
			h.log.Infof("Preview viewer disconnected. Total: %d", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for v := range h.viewers {
				select {
				case v.send <- msg:
				default:
					v.dropped++
				}
			}
			h.mu.Unlock()
		}
	}
}

// Viewers is the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// SetProgress records the run's progress for status messages.
func (h *Hub) SetProgress(percent float64) {
	h.progressBits.Store(math.Float64bits(percent))
}

func (h *Hub) progress() float64 { return math.Float64frombits(h.progressBits.Load()) }

// Show encodes img and queues it for every viewer. The image is not retained.
func (h *Hub) Show(source string, img image.Image) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		h.log.Warnf("Preview: failed to encode %s: %v", source, err)
		return
	}
	status := Status{Source: source, Progress: h.progress(), Frame: int(h.frames.Add(1))}
	h.mu.Lock()
	h.latest = buf.Bytes()
	h.status = status
	h.mu.Unlock()

	// Drop rather than block when the hub is behind
	select {
	case h.broadcast <- message{status: status, jpeg: buf.Bytes()}:
	default:
	}
}

// Latest returns the most recent frame as JPEG, or nil before the first frame.
func (h *Hub) Latest() ([]byte, Status) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.status
	st.Progress = h.progress()
	return h.latest, st
}

// serve registers conn and pumps frames to it until either side closes.
func (h *Hub) serve(conn *websocket.Conn) {
	v := &viewer{conn: conn, send: make(chan message, SendBufferSize)}
	select {
	case h.register <- v:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.log.Infof("Preview viewer read error: %v", err)
				}
				select {
				case h.unregister <- v:
				case <-h.done:
				}
				return
			}
		}
	}()

	for msg := range v.send {
		status, _ := json.Marshal(msg.status)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, status); err != nil {
			h.log.Infof("Preview write failed: %v", err)
			break
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg.jpeg); err != nil {
			h.log.Infof("Preview write failed: %v", err)
			break
		}
	}
	conn.Close()
	// Drain until the hub closes our channel
	for range v.send {
	}
}

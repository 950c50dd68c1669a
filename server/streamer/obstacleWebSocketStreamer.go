package streamer

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/cyclopcam/obstacled/server/log"
	"github.com/gorilla/websocket"
)

type webSocketMsg int

const (
	webSocketMsgPause  webSocketMsg = iota // pause stream (eg browser tab deactivated)
	webSocketMsgResume                     // resume stream (eg browser tab reactivated)
)

// Sent by client over websocket
// SYNC-WEBSOCKET-JSON-MSG
type webSocketJSON struct {
	Command string `json:"command"`
}

// Every message that we send on the websocket is a TEXT frame containing this
// SYNC-OBSTACLE-WEBSOCKET-MESSAGE
type webSocketSendMessage struct {
	Type   string                `json:"type"` // Only type of message is "obstacles"
	Result *obstacle.FrameResult `json:"result"`
}

// Number of frame results that we will buffer on the send side, before dropping
// results for a slow client.
const WebSocketSendBufferSize = 50

const writeTimeout = 10 * time.Second

var nextWebSocketStreamerID int64

type ObstacleWebSocketStreamer struct {
	log           logs.Log
	streamerID    int64 // Intended to aid in logging/debugging
	closed        atomic.Bool
	paused        atomic.Bool
	fromWebSocket chan webSocketMsg
	sendQueue     chan *obstacle.FrameResult
	results       chan *obstacle.FrameResult
	lastDropMsg   time.Time
	nDropped      int64
	nSent         int64
}

// RunObstacleWebSocketStreamer sends every result on 'results' to the websocket, until
// either the websocket or 'results' is closed.
func RunObstacleWebSocketStreamer(cameraName string, logger logs.Log, conn *websocket.Conn, results chan *obstacle.FrameResult) {
	streamerID := atomic.AddInt64(&nextWebSocketStreamerID, 1)

	streamer := &ObstacleWebSocketStreamer{
		streamerID: streamerID,
		log:        log.NewPrefixLogger(logger, fmt.Sprintf("Camera %v WebSocket %v", cameraName, streamerID)),
		sendQueue:  make(chan *obstacle.FrameResult, WebSocketSendBufferSize),
		results:    results,
	}

	streamer.run(conn)
}

func (s *ObstacleWebSocketStreamer) onResult(result *obstacle.FrameResult) {
	// We really don't want to block on a full channel here, because that would
	// stall the monitor's watcher channel.
	now := time.Now()
	if len(s.sendQueue) >= WebSocketSendBufferSize {
		s.nDropped++
		if now.Sub(s.lastDropMsg) > 5*time.Second {
			s.log.Infof("Dropped %v/%v frames", s.nDropped, s.nDropped+s.nSent)
			s.lastDropMsg = now
		}
		return
	}
	s.nSent++
	s.sendQueue <- result
}

func (s *ObstacleWebSocketStreamer) run(conn *websocket.Conn) {
	defer conn.Close()

	s.fromWebSocket = make(chan webSocketMsg, 1)
	go s.webSocketReader(conn)
	go s.webSocketWriter(conn)

	s.closed.Store(false)
	s.paused.Store(false)

	for !s.closed.Load() {
		select {
		case wsMsg, ok := <-s.fromWebSocket:
			if !ok {
				s.log.Infof("Run webSocketMsgClosed")
				s.closed.Store(true)
				break
			}
			switch wsMsg {
			case webSocketMsgPause:
				s.paused.Store(true)
			case webSocketMsgResume:
				s.paused.Store(false)
			}
		case result, ok := <-s.results:
			if !ok {
				s.log.Infof("Run results closed")
				s.closed.Store(true)
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				break
			}
			if !s.paused.Load() {
				s.onResult(result)
			}
		}
	}
	close(s.sendQueue)
}

// Read from the websocket and post to our own channel, so that we can
// run a single loop that handles reads from websocket and frame results.
func (s *ObstacleWebSocketStreamer) webSocketReader(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.TextMessage {
			msg := webSocketJSON{}
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Infof("webSocketReader failed to decode JSON: %v", err)
			} else {
				s.log.Infof("Received %v command from websocket", msg.Command)
				// SYNC-WEBSOCKET-COMMANDS
				switch msg.Command {
				case "pause":
					s.fromWebSocket <- webSocketMsgPause
				case "resume":
					s.fromWebSocket <- webSocketMsgResume
				default:
					s.log.Infof("Unknown websocket message from client: '%v'", msg.Command)
				}
			}
		}
	}
	close(s.fromWebSocket)
}

// Run a thread that is responsible for writing to the websocket.
// We run this on a separate thread so that if a client (aka browser) is slow,
// it doesn't end up blocking the monitor, and we can detect the blockage.
func (s *ObstacleWebSocketStreamer) webSocketWriter(conn *websocket.Conn) {
	for {
		result, more := <-s.sendQueue
		if !more || s.closed.Load() {
			break
		}
		if s.paused.Load() {
			// When paused, drop all queued frames.
			continue
		}
		out := webSocketSendMessage{
			Type:   "obstacles",
			Result: result,
		}
		j, err := json.Marshal(&out)
		if err != nil {
			s.log.Errorf("Failed to marshal websocket message: %v", err)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, j); err != nil {
			s.log.Infof("Error writing to websocket: %v", err)
		}
	}
}

package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"booml/internal/evaluation/fanout"
	"booml/internal/notebook/service"
	"booml/internal/notebook/stream"
	"booml/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// CloseInvalidID is sent when the id in the path is not numeric.
	CloseInvalidID = 4400

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 * 1024
	tailPoll   = 200 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamController serves websocket endpoints.
type StreamController struct {
	svc *service.Service
	hub *fanout.Hub
}

// NewStreamController creates a new controller. svc or hub may be nil when
// the matching endpoints are not registered.
func NewStreamController(svc *service.Service, hub *fanout.Hub) *StreamController {
	return &StreamController{svc: svc, hub: hub}
}

// SubmissionEvents follows one submission.
func (h *StreamController) SubmissionEvents(c *gin.Context) {
	h.groupEvents(c, fanout.SubmissionGroup)
}

// ProblemEvents follows every submission of a problem.
func (h *StreamController) ProblemEvents(c *gin.Context) {
	h.groupEvents(c, fanout.ProblemGroup)
}

func (h *StreamController) groupEvents(c *gin.Context, group func(int64) string) {
	ctx := c.Request.Context()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		closeWith(conn, CloseInvalidID, "invalid id")
		return
	}
	sub := h.hub.Subscribe(group(id))
	defer sub.Cancel()

	closed := readUntilClose(conn, nil)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.C():
			if !ok {
				closeWith(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			if err := writeJSON(conn, event); err != nil {
				logger.Debug(ctx, "websocket write failed", zap.String("group", sub.Group()), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// RunStream pushes output and status changes of a streaming run until it
// ends. Clients may send {"type":"stdin","data":...} and {"type":"cancel"}.
func (h *StreamController) RunStream(c *gin.Context) {
	runID := c.Param("run_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	closed := readUntilClose(conn, func(msg clientMessage) {
		var err error
		switch msg.Type {
		case "stdin":
			err = h.svc.SendStdin(ctx, runID, msg.Data)
		case "cancel":
			err = h.svc.Cancel(ctx, runID)
		default:
			return
		}
		if err != nil {
			logger.Info(ctx, "websocket run command rejected", zap.String("type", msg.Type), zap.Error(err))
		}
	})
	go func() {
		<-closed
		cancel()
	}()

	ticker := time.NewTicker(tailPoll)
	defer ticker.Stop()
	var stdoutOff, stderrOff int64
	var lastSeq uint64
	for {
		tail, err := h.svc.Tail(ctx, runID, stdoutOff, stderrOff, nil)
		if err != nil {
			if ctx.Err() == nil {
				_ = writeJSON(conn, gin.H{"type": "error", "message": err.Error()})
				closeWith(conn, websocket.CloseNormalClosure, "")
			}
			return
		}
		grew := tail.StdoutOffset != stdoutOff || tail.StderrOffset != stderrOff
		if grew || tail.StatusSeq != lastSeq {
			if err := writeJSON(conn, tailMessage{Type: "tail", RunID: runID, Tail: tail}); err != nil {
				return
			}
		}
		stdoutOff, stderrOff, lastSeq = tail.StdoutOffset, tail.StderrOffset, tail.StatusSeq
		if grew {
			continue
		}
		if tail.Status.Terminal() {
			closeWith(conn, websocket.CloseNormalClosure, string(tail.Status))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type clientMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type tailMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	stream.Tail
}

// readUntilClose reads client frames in the background and closes the
// returned channel when the peer goes away. Frames that are not JSON are ignored.
func readUntilClose(conn *websocket.Conn, handle func(clientMessage)) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(readLimit)
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			if handle == nil || json.Unmarshal(data, &msg) != nil {
				continue
			}
			handle(msg)
		}
	}()
	return done
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

package media

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// AudioSink consumes caller audio keyed by the engine channel uuid.
// *callmgr.Manager satisfies it.
type AudioSink interface {
	HandleInboundAudio(ctx context.Context, channelUUID string, chunk []byte)
}

const (
	// maxFrameBytes bounds one websocket frame; the bridge sends 20ms
	// mu-law frames of a few hundred bytes, anything near this is garbage.
	maxFrameBytes = 64 * 1024

	// readIdleTimeout disconnects a bridge that stopped streaming without
	// closing; live calls produce frames continuously, silence included.
	readIdleTimeout = 60 * time.Second
)

// Ingress terminates the media bridge's websocket and pumps caller audio
// into the call manager. One connection per engine channel.
type Ingress struct {
	sink     AudioSink
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewIngress(sink AudioSink, log *slog.Logger) *Ingress {
	return &Ingress{
		sink: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge is an internal service; it authenticates with a
			// service token, not an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Handle upgrades the request and forwards binary frames of 8kHz mu-law
// caller audio to the sink until the bridge disconnects. Non-binary frames
// are ignored; the manager drops audio for unknown or ended channels.
func (i *Ingress) Handle(c *gin.Context) {
	channelUUID := c.Param("channel_uuid")
	if channelUUID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "channel_uuid required"})
		return
	}

	conn, err := i.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		i.log.Warn("media upgrade failed", "uuid", channelUUID, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	i.log.Info("media stream opened", "uuid", channelUUID, "remote", conn.RemoteAddr().String())
	ctx := c.Request.Context()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				i.log.Warn("media stream failed", "uuid", channelUUID, "err", err)
			} else {
				i.log.Info("media stream closed", "uuid", channelUUID)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		i.sink.HandleInboundAudio(ctx, channelUUID, data)
	}
}

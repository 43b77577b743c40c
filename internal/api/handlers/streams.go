package handlers

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/pkg/dto"
)

const maxFrameBytes = 10 << 20

type ObjectWriter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

type FramePublisher interface {
	PublishFrame(ctx context.Context, task models.FrameTask) error
}

type ControlPublisher interface {
	PublishControl(msg models.ControlMessage) error
}

// StreamHandler accepts frames for a stream and forwards tracker controls
// to the workers.
type StreamHandler struct {
	objects ObjectWriter
	frames  FramePublisher
	control ControlPublisher
	now     func() time.Time
}

func NewStreamHandler(objects ObjectWriter, frames FramePublisher, control ControlPublisher) *StreamHandler {
	return &StreamHandler{objects: objects, frames: frames, control: control, now: time.Now}
}

// UploadFrame accepts a JPEG or PNG frame, either as the "frame" multipart
// field or as the raw request body, and queues it for the workers.
func (h *StreamHandler) UploadFrame(c *gin.Context) {
	streamID := c.Param("id")

	data, contentType, err := readFrame(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame is not a JPEG or PNG image"})
		return
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "image/" + format
	}

	task := models.FrameTask{
		StreamID:  streamID,
		FrameID:   uuid.Must(uuid.NewV7()),
		Timestamp: h.now().UTC(),
		Width:     cfg.Width,
		Height:    cfg.Height,
	}
	task.FrameRef = storage.FrameKey(streamID, task.FrameID)

	ctx := c.Request.Context()
	if err := h.objects.PutObject(ctx, task.FrameRef, data, contentType); err != nil {
		slog.Error("store frame", "error", err, "stream", streamID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store frame failed"})
		return
	}
	if err := h.frames.PublishFrame(ctx, task); err != nil {
		slog.Error("queue frame", "error", err, "stream", streamID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue frame failed"})
		return
	}

	c.JSON(http.StatusAccepted, dto.FrameAccepted{
		FrameID:  task.FrameID,
		StreamID: streamID,
		FrameRef: task.FrameRef,
		Width:    cfg.Width,
		Height:   cfg.Height,
	})
}

func readFrame(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes)

	if c.ContentType() == "multipart/form-data" {
		file, header, err := c.Request.FormFile("frame")
		if err != nil {
			return nil, "", errors.New("frame file required")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", errors.New("read frame failed")
		}
		return data, header.Header.Get("Content-Type"), nil
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, "", errors.New("frame too large or unreadable")
	}
	if len(data) == 0 {
		return nil, "", errors.New("frame required")
	}
	return data, c.ContentType(), nil
}

// Reset clears the stream's tracks on every worker.
func (h *StreamHandler) Reset(c *gin.Context) {
	h.sendControl(c, models.ControlReset)
}

// Drop destroys the stream's trackers on every worker.
func (h *StreamHandler) Drop(c *gin.Context) {
	h.sendControl(c, models.ControlDrop)
}

func (h *StreamHandler) sendControl(c *gin.Context, action models.ControlAction) {
	msg := models.ControlMessage{Action: action, StreamID: c.Param("id")}
	if err := h.control.PublishControl(msg); err != nil {
		slog.Error("publish control", "error", err, "action", action, "stream", msg.StreamID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control publish failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(action), "stream_id": msg.StreamID})
}

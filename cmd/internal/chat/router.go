package chat

import (
	"context"
	"log/slog"
	"time"

	v1 "educhat/shared/contracts/chat/v1"
)

// Uploader stores a raw file and returns its attachment id.
type Uploader interface {
	UploadFile(ctx context.Context, ownerID, filename string, data []byte) (v1.ID, error)
}

// Sender is the synchronous request/response send endpoint.
type Sender interface {
	SendMessage(ctx context.Context, req v1.SendRequest) (v1.Message, error)
}

// Backend is the REST collaborator used for uploads and the fallback path.
type Backend interface {
	Uploader
	Sender
}

// Publisher is the live path. ConnectionManager implements it.
type Publisher interface {
	State() ConnectionState
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error
}

// FileUpload is a file that has not been uploaded yet.
type FileUpload struct {
	Name string
	Data []byte
}

// OutboundPayload is what a conversation asks the router to deliver.
type OutboundPayload struct {
	ChatID       v1.ID
	Content      string
	ImageURL     string
	File         *FileUpload
	AttachmentID v1.ID
}

// DeliveryRouter picks the live publish path when the transport is healthy
// and falls back to the send endpoint otherwise.
type DeliveryRouter struct {
	log         *slog.Logger
	pub         Publisher
	backend     Backend
	ownerID     string
	destination string
	metrics     *Metrics
}

// NewDeliveryRouter constructs a router. ownerID addresses the upload endpoint.
func NewDeliveryRouter(log *slog.Logger, pub Publisher, backend Backend, ownerID, destination string, metrics *Metrics) *DeliveryRouter {
	if log == nil {
		log = slog.Default()
	}
	if destination == "" {
		destination = v1.DefaultPublishDestination
	}
	return &DeliveryRouter{
		log:         log,
		pub:         pub,
		backend:     backend,
		ownerID:     ownerID,
		destination: destination,
		metrics:     metrics,
	}
}

// Send delivers p and reports success. Errors never escape: an upload
// failure or a failure of both paths yields false. When the fallback path
// succeeds, the server's canonical message is handed to sink.
func (r *DeliveryRouter) Send(ctx context.Context, p OutboundPayload, sink func(v1.Message)) bool {
	sendID := NewCorrelationID(time.Now().UTC())
	log := r.log.With("send_id", sendID, "chat_id", p.ChatID.String())

	attachmentID := p.AttachmentID
	if p.File != nil {
		if r.backend == nil {
			log.Error("chat.send.upload.no_backend")
			r.metrics.sendResult("upload", "error")
			return false
		}
		id, err := r.backend.UploadFile(ctx, r.ownerID, p.File.Name, p.File.Data)
		if err != nil {
			log.Warn("chat.send.upload.fail", "file", p.File.Name, "err", err)
			r.metrics.sendResult("upload", "error")
			return false
		}
		log.Info("chat.send.upload.ok", "file", p.File.Name, "attachment_id", id.String())
		attachmentID = id
	}

	req := v1.SendRequest{
		ChatID:       p.ChatID,
		Content:      p.Content,
		ImageURL:     p.ImageURL,
		AttachmentID: attachmentID,
	}
	if err := req.Validate(); err != nil {
		log.Warn("chat.send.invalid", "err", err)
		r.metrics.sendResult("none", "invalid")
		return false
	}

	if r.pub != nil && r.pub.State() == StateConnected {
		body, err := req.Encode()
		if err == nil {
			err = r.pub.Publish(ctx, r.destination, body, map[string]string{v1.HeaderClientMsgID: sendID})
		}
		if err == nil {
			log.Info("chat.send.live.ok")
			r.metrics.sendResult("live", "ok")
			return true
		}
		log.Warn("chat.send.live.fail", "err", err)
		r.metrics.sendResult("live", "error")
	} else {
		log.Info("chat.send.live.skip", "reason", "not_connected")
	}

	if r.backend == nil {
		r.metrics.sendResult("fallback", "error")
		return false
	}

	msg, err := r.backend.SendMessage(ctx, req)
	if err != nil {
		log.Warn("chat.send.fallback.fail", "err", err)
		r.metrics.sendResult("fallback", "error")
		return false
	}

	log.Info("chat.send.fallback.ok", "message_id", msg.ID.String())
	r.metrics.sendResult("fallback", "ok")
	if sink != nil {
		sink(msg)
	}
	return true
}

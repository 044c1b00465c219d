package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a wire identifier that the backend emits either as a JSON string or a
// JSON number. It is always held in canonical string form and always
// marshalled as a JSON string.
type ID string

// IDFromInt returns the canonical ID for n.
func IDFromInt(n int64) ID { return ID(strconv.FormatInt(n, 10)) }

// String returns the canonical string form.
func (id ID) String() string { return string(id) }

// IsZero reports whether the id is empty.
func (id ID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: want string or number, got %s", string(b))
	}
	*id = ID(canonicalNumber(n))
	return nil
}

// MarshalJSON always emits a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return n.String()
}

// AttachmentKind is the primary media kind of an attachment.
type AttachmentKind string

const (
	KindImage   AttachmentKind = "image"
	KindVideo   AttachmentKind = "video"
	KindAudio   AttachmentKind = "audio"
	KindFile    AttachmentKind = "file"
	KindUnknown AttachmentKind = "unknown"
)

// Attachment is a file already uploaded to the backend.
type Attachment struct {
	ID           ID     `json:"id"`
	ViewLink     string `json:"viewLink"`
	DownloadLink string `json:"downloadLink"`
	IsVideo      bool   `json:"isVideo"`
	IsAudio      bool   `json:"isAudio"`
	IsFile       bool   `json:"isFile"`
	IsImage      bool   `json:"isImage"`
}

// Kind reports the primary kind. The flags are not exclusive on the wire;
// the first set flag in image, video, audio, file order wins.
func (a Attachment) Kind() AttachmentKind {
	switch {
	case a.IsImage:
		return KindImage
	case a.IsVideo:
		return KindVideo
	case a.IsAudio:
		return KindAudio
	case a.IsFile:
		return KindFile
	default:
		return KindUnknown
	}
}

// Message is a chat message as created by the backend.
type Message struct {
	ChatID        ID          `json:"chatId"`
	ID            ID          `json:"id"`
	Content       string      `json:"content"`
	CreationTime  string      `json:"creationTime"`
	CreatorName   string      `json:"creatorName"`
	ImageURL      string      `json:"imageUrl,omitempty"`
	HasAttachment bool        `json:"hasAttachment,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
}

var creationTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// CreatedAt parses CreationTime. Zone-less timestamps are read as UTC.
func (m Message) CreatedAt() (time.Time, bool) {
	s := strings.TrimSpace(m.CreationTime)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range creationTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SendRequest is the normalized outbound payload, shared by the live
// publish path and the REST fallback.
type SendRequest struct {
	ChatID       ID     `json:"chatId"`
	Content      string `json:"content"`
	ImageURL     string `json:"imageUrl,omitempty"`
	AttachmentID ID     `json:"attachmentId,omitempty"`
}

// Response is the REST envelope used by every backend endpoint.
type Response[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// InfoHeader is the HTTP header name carrying the piggybacked message
// info on uploads and downloads.
const InfoHeader = "X-Message-Info"

// Info is the message metadata piggybacked on out-of-band HTTP transfers.
// It lets a restarted process map an in-flight OS transfer back to the
// logical message it belongs to.
type Info struct {
	ID     uuid.UUID `json:"id"`
	Kind   Kind      `json:"kind"`
	Sender string    `json:"sender"`
	ChatID string    `json:"chat_id,omitempty"`
	Length int64     `json:"length"`
}

// Encode serializes the info as base64 JSON for use as a header value.
func (i Info) Encode() (string, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseInfo decodes a base64 JSON message-info header value.
func ParseInfo(s string) (Info, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Info{}, fmt.Errorf("invalid message info encoding: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("invalid message info payload: %w", err)
	}
	if info.ID == uuid.Nil {
		return Info{}, fmt.Errorf("message info missing id")
	}
	return info, nil
}

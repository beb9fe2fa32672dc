package models

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// ChatMessage is the role and content pair handed to a provider. Timestamps and metadata never leave the
// conversation store.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// OutputKind selects what a provider call is expected to produce.
type OutputKind string

const (
	// OutputText asks for a regular text answer.
	OutputText OutputKind = "text"
	// OutputImage asks for a generated image, answered as image-markdown.
	OutputImage OutputKind = "image"
	// OutputAudio asks for generated speech, answered as an audio token.
	OutputAudio OutputKind = "audio"
)

// Request is the uniform argument of every provider call.
type Request struct {
	APIKey     string
	Model      string
	Messages   []ChatMessage
	Attachment *Attachment
	Voice      string
	Output     OutputKind
	// BaseURL overrides the provider endpoint when the provider allows it, for example a user's Ollama host.
	BaseURL string
}

// Response is the uniform result of a one-shot provider call. Error is set when the provider answered with
// an explicit failure, in which case Code carries the HTTP-like status.
type Response struct {
	Text        string      `json:"text,omitempty"`
	Error       string      `json:"error,omitempty"`
	Code        int         `json:"code,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	UsedKeyType KeyType     `json:"usedKeyType,omitempty"`
	Tokens      *TokenUsage `json:"tokens,omitempty"`
}

// StreamMeta reports which provider and key a stream is being served with.
type StreamMeta struct {
	Provider    string
	UsedKeyType KeyType
}

// StreamEvent is one record of a streamed answer. Exactly one of its fields is set: Delta for a token,
// Meta for metadata, Err for a terminal provider error.
type StreamEvent struct {
	Delta string
	Meta  *StreamMeta
	Err   *Response
}

// Attachment is a file sent alongside a prompt, encoded as a data URL.
type Attachment struct {
	DataURL string `json:"dataUrl"`
}

// MIMEType returns the media type declared by the data URL, or an empty string when it declares none.
func (a *Attachment) MIMEType() string {
	if a == nil || !strings.HasPrefix(a.DataURL, "data:") {
		return ""
	}
	header, _, ok := strings.Cut(strings.TrimPrefix(a.DataURL, "data:"), ",")
	if !ok {
		return ""
	}
	mt, _, _ := strings.Cut(header, ";")
	return strings.ToLower(mt)
}

// IsImage reports whether the attachment is an image. Attachments with a missing or unknown media type are
// treated as non-image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MIMEType(), "image/")
}

// Data decodes the payload of the data URL.
func (a *Attachment) Data() ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(a.DataURL, "data:"), ",")
	if !ok {
		return nil, nil
	}
	if strings.HasSuffix(header, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

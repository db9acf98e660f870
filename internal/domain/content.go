package domain

import (
	"errors"
	"strings"
)

// Kind is the payload type of an outbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

var (
	ErrMissingMedia    = errors.New("media reference required")
	ErrUnsupportedKind = errors.New("unsupported content kind")
	ErrEmptyText       = errors.New("text message has no body")
)

// IsMedia reports whether the kind carries an attachment.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindDocument, KindAudio:
		return true
	}
	return false
}

// Content is the typed payload of a message. Media kinds need either a
// local MediaPath or a remote MediaURL.
type Content struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
	MediaPath string `json:"media_path,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

// Validate checks that the content declares a known kind and, for media
// kinds, a media reference.
func (c Content) Validate() error {
	switch {
	case c.Kind == KindText:
		if strings.TrimSpace(c.Text) == "" {
			return ErrEmptyText
		}
		return nil
	case c.Kind.IsMedia():
		if c.MediaPath == "" && c.MediaURL == "" {
			return ErrMissingMedia
		}
		return nil
	default:
		return ErrUnsupportedKind
	}
}

// Body is the human-readable part of the payload: the text for text
// messages, the caption otherwise.
func (c Content) Body() string {
	if c.Kind == KindText {
		return c.Text
	}
	return c.Caption
}

// WithBody returns a copy with the human-readable part replaced.
func (c Content) WithBody(body string) Content {
	if c.Kind == KindText {
		c.Text = body
	} else {
		c.Caption = body
	}
	return c
}

package whatsapp

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
)

// ErrMediaTooLarge is returned for attachments above the configured limit.
var ErrMediaTooLarge = fmt.Errorf("%w: attachment too large", domain.ErrMissingMedia)

type attachment struct {
	data     []byte
	mimeType string
	fileName string
}

type mediaLoader struct {
	client   *http.Client
	maxBytes int64
}

func newMediaLoader(maxBytes int64, timeout time.Duration) *mediaLoader {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &mediaLoader{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// load reads the attachment from MediaPath or, failing that, MediaURL.
// Unreadable references are reported as missing media.
func (m *mediaLoader) load(ctx context.Context, c domain.Content) (attachment, error) {
	var (
		a   attachment
		err error
	)
	switch {
	case c.MediaPath != "":
		a, err = m.fromFile(c.MediaPath)
	case c.MediaURL != "":
		a, err = m.fromURL(ctx, c.MediaURL)
	default:
		return a, domain.ErrMissingMedia
	}
	if err != nil {
		return a, err
	}
	if c.MimeType != "" {
		a.mimeType = c.MimeType
	}
	if c.FileName != "" {
		a.fileName = c.FileName
	}
	if a.mimeType == "" {
		a.mimeType = http.DetectContentType(a.data)
	}
	return a, nil
}

func (m *mediaLoader) fromFile(path string) (attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return attachment{}, fmt.Errorf("%w: %v", domain.ErrMissingMedia, err)
	}
	defer f.Close()
	data, err := m.readLimited(f)
	if err != nil {
		return attachment{}, err
	}
	return attachment{
		data:     data,
		mimeType: mime.TypeByExtension(filepath.Ext(path)),
		fileName: filepath.Base(path),
	}, nil
}

func (m *mediaLoader) fromURL(ctx context.Context, rawURL string) (attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attachment{}, fmt.Errorf("%w: %v", domain.ErrMissingMedia, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return attachment{}, fmt.Errorf("%w: fetch %s: %v", domain.ErrMissingMedia, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return attachment{}, fmt.Errorf("%w: fetch %s: status %d", domain.ErrMissingMedia, rawURL, resp.StatusCode)
	}
	data, err := m.readLimited(resp.Body)
	if err != nil {
		return attachment{}, err
	}
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	name := filepath.Base(req.URL.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return attachment{data: data, mimeType: ct, fileName: name}, nil
}

func (m *mediaLoader) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", domain.ErrMissingMedia, err)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}

func mediaType(k domain.Kind) whatsmeow.MediaType {
	switch k {
	case domain.KindImage:
		return whatsmeow.MediaImage
	case domain.KindVideo:
		return whatsmeow.MediaVideo
	case domain.KindAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage wraps an uploaded attachment in the message type that
// matches its kind.
func buildMediaMessage(c domain.Content, a attachment, up whatsmeow.UploadResponse) *waE2E.Message {
	size := proto.Uint64(up.FileLength)
	switch c.Kind {
	case domain.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       nonEmpty(c.Caption),
			Mimetype:      proto.String(a.mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
		}}
	case domain.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       nonEmpty(c.Caption),
			Mimetype:      proto.String(a.mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
		}}
	case domain.KindAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(a.mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
			PTT:           proto.Bool(strings.Contains(a.mimeType, "ogg")),
		}}
	default:
		name := a.fileName
		if name == "" {
			name = "document"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       nonEmpty(c.Caption),
			Mimetype:      proto.String(a.mimeType),
			FileName:      proto.String(name),
			Title:         proto.String(name),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
		}}
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentValidate(t *testing.T) {
	cases := []struct {
		name string
		in   Content
		err  error
	}{
		{"text", Content{Kind: KindText, Text: "hi"}, nil},
		{"blank text", Content{Kind: KindText, Text: "  "}, ErrEmptyText},
		{"image by path", Content{Kind: KindImage, MediaPath: "/tmp/a.jpg"}, nil},
		{"video by url", Content{Kind: KindVideo, MediaURL: "https://x/v.mp4"}, nil},
		{"document without media", Content{Kind: KindDocument}, ErrMissingMedia},
		{"unknown kind", Content{Kind: "sticker", MediaPath: "/a"}, ErrUnsupportedKind},
		{"empty kind", Content{Text: "hi"}, ErrUnsupportedKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.in.Validate(), tc.err)
		})
	}
}

func TestContentBody(t *testing.T) {
	txt := Content{Kind: KindText, Text: "hello"}
	assert.Equal(t, "hello", txt.Body())
	assert.Equal(t, "bye", txt.WithBody("bye").Text)

	img := Content{Kind: KindImage, Caption: "look", MediaPath: "/a.png"}
	assert.Equal(t, "look", img.Body())
	varied := img.WithBody("look!")
	assert.Equal(t, "look!", varied.Caption)
	assert.Equal(t, "/a.png", varied.MediaPath)
	assert.Equal(t, "look", img.Caption)
}

func TestAckRank(t *testing.T) {
	assert.Less(t, AckSent.Rank(), AckDelivered.Rank())
	assert.Less(t, AckDelivered.Rank(), AckRead.Rank())
	assert.Zero(t, AckStatus("bogus").Rank())
}

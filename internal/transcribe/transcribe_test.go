// ABOUTME: Tests for the transcription adapter
// ABOUTME: Uses httptest servers for the media host and the STT proxy

package transcribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVoiceNote(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		url         string
		want        bool
	}{
		{"ogg", "audio/ogg", "https://media/abc", true},
		{"ogg with codecs", "audio/ogg; codecs=opus", "https://media/abc", true},
		{"opus codec in non-audio type", "application/octet-stream; codecs=opus", "https://media/abc", true},
		{"mpeg", "AUDIO/MPEG", "", true},
		{"extension only", "", "https://media/voice.OGA?sig=1", true},
		{"m4a extension", "application/octet-stream", "https://media/note.m4a", true},
		{"image", "image/jpeg", "https://media/photo.jpg", false},
		{"pdf", "application/pdf", "https://media/doc.pdf", false},
		{"nothing", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVoiceNote(tt.contentType, tt.url))
		})
	}
}

type sttCall struct {
	filename string
	audio    string
	prompt   string
	tenantID string
	auth     string
}

func newSTTServer(t *testing.T, transcript string, status int, calls chan<- sttCall) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe_audio", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		audio, _ := io.ReadAll(f)

		if calls != nil {
			calls <- sttCall{
				filename: hdr.Filename,
				audio:    string(audio),
				prompt:   r.FormValue("prompt"),
				tenantID: r.FormValue("tenant_id"),
				auth:     r.Header.Get("Authorization"),
			}
		}

		w.WriteHeader(status)
		w.Write([]byte(`{"transcript": "` + transcript + `"}`))
	}))
}

func newMediaServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

var creds = Credentials{TenantID: "acme", Username: "AC123", Password: "token"}

func TestTranscribe_Success(t *testing.T) {
	media := newMediaServer(t, "OggS-fake-audio", http.StatusOK)
	defer media.Close()

	calls := make(chan sttCall, 1)
	stt := newSTTServer(t, "  what time do you open  ", http.StatusOK, calls)
	defer stt.Close()

	a := NewAdapter(Config{ProxyURL: stt.URL + "/", APIKey: "stt-key"}, nil)
	text, ok := a.Transcribe(context.Background(), creds, Media{URL: media.URL + "/Media/ME1", ContentType: "audio/ogg"})

	require.True(t, ok)
	assert.Equal(t, "what time do you open", text)

	call := <-calls
	assert.Equal(t, "OggS-fake-audio", call.audio)
	assert.Equal(t, "voice.ogg", call.filename)
	assert.True(t, strings.HasPrefix(call.prompt, "Transcribe this audio verbatim"))
	assert.Equal(t, "acme", call.tenantID)
	assert.Equal(t, "Bearer stt-key", call.auth)
}

func TestTranscribe_Disabled(t *testing.T) {
	a := NewAdapter(Config{}, nil)
	assert.False(t, a.Enabled())

	_, ok := a.Transcribe(context.Background(), creds, Media{URL: "http://unused", ContentType: "audio/ogg"})
	assert.False(t, ok)
}

func TestTranscribe_MediaDownloadFails(t *testing.T) {
	media := newMediaServer(t, "", http.StatusNotFound)
	defer media.Close()
	stt := newSTTServer(t, "never", http.StatusOK, nil)
	defer stt.Close()

	a := NewAdapter(Config{ProxyURL: stt.URL}, nil)
	_, ok := a.Transcribe(context.Background(), creds, Media{URL: media.URL, ContentType: "audio/ogg"})
	assert.False(t, ok)
}

func TestTranscribe_WrongCredentials(t *testing.T) {
	media := newMediaServer(t, "audio", http.StatusOK)
	defer media.Close()
	stt := newSTTServer(t, "never", http.StatusOK, nil)
	defer stt.Close()

	a := NewAdapter(Config{ProxyURL: stt.URL}, nil)
	_, ok := a.Transcribe(context.Background(), Credentials{Username: "wrong"}, Media{URL: media.URL, ContentType: "audio/ogg"})
	assert.False(t, ok)
}

func TestTranscribe_EmptyTranscript(t *testing.T) {
	media := newMediaServer(t, "audio", http.StatusOK)
	defer media.Close()
	stt := newSTTServer(t, "   ", http.StatusOK, nil)
	defer stt.Close()

	a := NewAdapter(Config{ProxyURL: stt.URL}, nil)
	_, ok := a.Transcribe(context.Background(), creds, Media{URL: media.URL, ContentType: "audio/ogg"})
	assert.False(t, ok)
}

func TestTranscribe_ProxyError(t *testing.T) {
	media := newMediaServer(t, "audio", http.StatusOK)
	defer media.Close()
	stt := newSTTServer(t, "", http.StatusBadGateway, nil)
	defer stt.Close()

	a := NewAdapter(Config{ProxyURL: stt.URL}, nil)
	_, ok := a.Transcribe(context.Background(), creds, Media{URL: media.URL, ContentType: "audio/ogg"})
	assert.False(t, ok)
}

func TestTranscribe_ProxyTimeout(t *testing.T) {
	media := newMediaServer(t, "audio", http.StatusOK)
	defer media.Close()

	release := make(chan struct{})
	stt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer stt.Close()
	defer close(release)

	a := NewAdapter(Config{ProxyURL: stt.URL, STTTimeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	_, ok := a.Transcribe(context.Background(), creds, Media{URL: media.URL, ContentType: "audio/ogg"})

	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFilenameFor(t *testing.T) {
	assert.Equal(t, "note.m4a", filenameFor(Media{URL: "https://media/x/note.m4a"}))
	assert.Equal(t, "voice.mp3", filenameFor(Media{URL: "https://media/ME1", ContentType: "audio/mpeg"}))
	assert.Equal(t, "voice.ogg", filenameFor(Media{URL: "https://media/ME1", ContentType: "audio/ogg; codecs=opus"}))
	assert.Equal(t, "voice.bin", filenameFor(Media{URL: "https://media/ME1"}))
}

// ABOUTME: Turns voice-note attachments into text via an STT proxy
// ABOUTME: Downloads provider media with Basic auth and posts it as multipart to /transcribe_audio

package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrMediaUnreadable is the cause logged whenever a voice note cannot be turned into text
var ErrMediaUnreadable = errors.New("media unreadable")

const (
	// transcribeEndpoint is the path appended to the proxy URL
	transcribeEndpoint = "/transcribe_audio"

	// maxMediaBytes caps how much audio is downloaded
	maxMediaBytes = 25 << 20

	// maxResponseBytes caps the proxy response
	maxResponseBytes = 1 << 20

	// transcriptionPrompt steers the STT model toward a literal transcript
	transcriptionPrompt = "Transcribe this audio verbatim. Return only the spoken words, with no commentary."
)

var voiceExtensions = map[string]bool{
	".ogg":  true,
	".oga":  true,
	".opus": true,
	".m4a":  true,
	".amr":  true,
	".mp3":  true,
	".wav":  true,
}

// audioExtensions maps the audio types providers send to file extensions
var audioExtensions = map[string]string{
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/mpeg":  ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/amr":   ".amr",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".webm",
}

// Media is an inbound attachment
type Media struct {
	URL         string
	ContentType string
}

// Credentials authenticate media downloads against the messaging provider.
// TenantID is forwarded to the STT proxy for accounting.
type Credentials struct {
	TenantID string
	Username string
	Password string
}

// Config controls the adapter
type Config struct {
	ProxyURL     string        // empty disables transcription
	APIKey       string        // sent as a Bearer token to the proxy
	MediaTimeout time.Duration // bound on the media download
	STTTimeout   time.Duration // bound on the proxy call
}

// Adapter downloads voice notes and transcribes them
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewAdapter creates an adapter. Zero timeouts default to 10s download and 20s STT.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 10 * time.Second
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 20 * time.Second
	}
	cfg.ProxyURL = strings.TrimRight(cfg.ProxyURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With("component", "transcribe"),
	}
}

// Enabled reports whether a proxy is configured
func (a *Adapter) Enabled() bool {
	return a.cfg.ProxyURL != ""
}

// IsVoiceNote reports whether an attachment looks like recorded audio,
// judged by content type first and file extension second.
func IsVoiceNote(contentType, mediaURL string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct != "" {
		mediaType, params, err := mime.ParseMediaType(ct)
		if err == nil {
			if strings.HasPrefix(mediaType, "audio/") {
				return true
			}
			if strings.Contains(params["codecs"], "opus") {
				return true
			}
		} else if strings.HasPrefix(ct, "audio/") || strings.Contains(ct, "codecs=opus") {
			return true
		}
	}

	if u, err := url.Parse(mediaURL); err == nil {
		return voiceExtensions[strings.ToLower(path.Ext(u.Path))]
	}
	return false
}

// Transcribe returns the transcript of media and true, or "" and false when
// the audio cannot be read. Failures are logged, never returned.
func (a *Adapter) Transcribe(ctx context.Context, creds Credentials, media Media) (string, bool) {
	if !a.Enabled() {
		a.logger.Debug("transcription disabled, treating voice note as unreadable")
		return "", false
	}

	transcript, err := a.transcribe(ctx, creds, media)
	if err != nil {
		a.logger.Warn("voice note unreadable",
			"error", fmt.Errorf("%w: %w", ErrMediaUnreadable, err),
			"content_type", media.ContentType)
		return "", false
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		a.logger.Info("voice note produced an empty transcript")
		return "", false
	}

	a.logger.Debug("voice note transcribed", "length", len(transcript))
	return transcript, true
}

func (a *Adapter) transcribe(ctx context.Context, creds Credentials, media Media) (string, error) {
	audio, filename, err := a.download(ctx, creds, media)
	if err != nil {
		return "", err
	}
	return a.post(ctx, creds.TenantID, audio, filename, media.ContentType)
}

func (a *Adapter) download(ctx context.Context, creds Credentials, media Media) ([]byte, string, error) {
	dlCtx, cancel := context.WithTimeout(ctx, a.cfg.MediaTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building media request: %w", err)
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media download returned %d", resp.StatusCode)
	}

	// Read one byte past the cap to detect oversize media
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading media: %w", err)
	}
	if len(audio) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	if len(audio) == 0 {
		return nil, "", errors.New("media is empty")
	}

	return audio, filenameFor(media), nil
}

func (a *Adapter) post(ctx context.Context, tenantID string, audio []byte, filename, contentType string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file field: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio to form: %w", err)
	}
	if err := w.WriteField("prompt", transcriptionPrompt); err != nil {
		return "", fmt.Errorf("writing prompt field: %w", err)
	}
	if tenantID != "" {
		if err := w.WriteField("tenant_id", tenantID); err != nil {
			return "", fmt.Errorf("writing tenant_id field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.STTTimeout)
	defer cancel()

	endpoint := a.cfg.ProxyURL + transcribeEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("building stt request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	a.logger.Debug("calling STT proxy", "url", endpoint, "bytes", len(audio), "content_type", contentType)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading stt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt proxy returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing stt response: %w", err)
	}
	return result.Transcript, nil
}

// filenameFor picks a filename with an extension the STT model can sniff
func filenameFor(media Media) string {
	if u, err := url.Parse(media.URL); err == nil {
		if base := path.Base(u.Path); voiceExtensions[strings.ToLower(path.Ext(base))] {
			return base
		}
	}
	mediaType, _, _ := mime.ParseMediaType(media.ContentType)
	if ext, ok := audioExtensions[mediaType]; ok {
		return "voice" + ext
	}
	return "voice.bin"
}

package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/visage/internal/audio"
	"github.com/antoniostano/visage/internal/reliability"
)

// Result is the outcome of one transcription request. A service-side failure
// (unintelligible or empty audio) is not an error: it comes back with Text
// empty and ErrorDetail set, so the caller can silently skip speaking nothing.
type Result struct {
	Text        string
	ErrorDetail string
}

// Failed reports whether the service rejected the audio.
func (r Result) Failed() bool { return r.ErrorDetail != "" }

// Error is a transport-level transcription failure (network, HTTP).
type Error struct {
	Detail    string
	Retryable bool
}

func (e *Error) Error() string {
	return "transcription failed: " + e.Detail
}

type Config struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client performs blocking requests against a Whisper-compatible HTTP
// endpoint. It does not retry; failures are surfaced to the caller, which
// decides whether to ignore or report them.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type serviceResponse struct {
	Text    string `json:"text"`
	Err     string `json:"error"`
	Details string `json:"details"`
}

// Transcribe sends one captured audio segment and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (Result, error) {
	wav, err := audio.EncodeWAVPCM16LE(audio.EncodePCM16LE(samples), sampleRate)
	if err != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("encode wav: %v", err)}
	}
	return c.TranscribeWAV(ctx, wav, language)
}

// TranscribeWAV sends pre-encoded WAV bytes. Used both by the coordinator and
// by the HTTP proxy endpoint, which receives files already containerized.
func (c *Client) TranscribeWAV(ctx context.Context, wav []byte, language string) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("build form: %v", err)}
	}
	if _, err := part.Write(wav); err != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("build form: %v", err)}
	}
	if err := mw.WriteField("model", c.cfg.Model); err != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("build form: %v", err)}
	}
	if language = strings.TrimSpace(language); language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return Result{}, &Error{Detail: fmt.Sprintf("build form: %v", err)}
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("build form: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &body)
	if err != nil {
		return Result{}, &Error{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &Error{Detail: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	var parsed serviceResponse
	parseErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parseErr == nil && parsed.Err != "" {
			detail := parsed.Err
			if parsed.Details != "" {
				detail += ": " + parsed.Details
			}
			return Result{ErrorDetail: detail}, nil
		}
		return Result{}, &Error{
			Detail:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
		}
	}

	if parseErr != nil {
		return Result{}, &Error{Detail: fmt.Sprintf("decode response: %v", parseErr)}
	}
	// Some service revisions report failure inside a 200 body.
	if parsed.Err != "" {
		detail := parsed.Err
		if parsed.Details != "" {
			detail += ": " + parsed.Details
		}
		return Result{ErrorDetail: detail}, nil
	}
	return Result{Text: parsed.Text}, nil
}

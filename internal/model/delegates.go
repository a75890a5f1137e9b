// Package model defines the transcription and classification delegates. The
// pipeline treats both as opaque collaborators: audio bytes in, text and a
// label out. The bundled implementations talk HTTP to co-located model
// servers that share the worker's scratch volume.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transcription is the delegate's transcription result.
type Transcription struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Classification is the sanitized classifier verdict.
type Classification struct {
	Flagged  bool    `json:"flagged"`
	Score    float64 `json:"score"`
	Category *string `json:"category"`
}

// Transcriber converts an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Transcription, error)
}

// Classifier labels a transcript.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// HTTPTranscriber calls a transcription server sharing the worker's scratch
// volume, so requests carry the audio path rather than the bytes.
type HTTPTranscriber struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTranscriber builds a transcriber client with the given timeout.
func NewHTTPTranscriber(baseURL string, timeout time.Duration) *HTTPTranscriber {
	return &HTTPTranscriber{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) (Transcription, error) {
	body, err := postJSON(ctx, t.Client, t.BaseURL+"/transcribe", map[string]string{"audio_path": audioPath})
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe %s: %w", audioPath, err)
	}
	var result Transcription
	if err := json.Unmarshal(body, &result); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription: %w", err)
	}
	return result, nil
}

// HTTPClassifier calls a classification server with the transcript text.
type HTTPClassifier struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPClassifier builds a classifier client with the given timeout.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Classify sends the transcript and sanitizes whatever comes back. Malformed
// responses resolve to the safe default rather than an error; only transport
// failures are returned.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	body, err := postJSON(ctx, c.Client, c.BaseURL+"/classify", map[string]string{"text": text})
	if err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}
	return Sanitize(body), nil
}

// postJSON issues a POST with retry on transient failures. 4xx responses are
// permanent; 5xx and transport errors are retried with exponential backoff.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("request rejected: status %d", resp.StatusCode))
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

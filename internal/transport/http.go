package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/exam-voice-lab/internal/logging"
	"github.com/exam-voice-lab/internal/voice"
)

// PostWithRetries posts JSON to url with exponential backoff. Transport
// errors and 5xx responses are retried; the final response body is
// returned in full.
func PostWithRetries(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeout time.Duration, attempts int, utteranceID string) (int, []byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(time.Duration(200*(1<<(i-1))) * time.Millisecond):
			}
		}
		status, respBody, err := postOnce(ctx, client, url, body, authToken, timeout)
		if err == nil && status < 500 {
			return status, respBody, nil
		}
		if err == nil {
			err = fmt.Errorf("server returned %d", status)
		}
		lastErr = err
		logging.Debugw("postWithRetries: attempt failed", "attempt", i+1, "err", err, "utterance.id", utteranceID)
	}
	return 0, nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

// HTTPSink POSTs final payloads to an HTTP endpoint from a background
// worker. Partials are ignored.
type HTTPSink struct {
	URL      string
	Token    string
	Client   *http.Client
	Timeout  time.Duration
	Attempts int
	Recorder Recorder

	queue chan voice.AudioPayload
}

func NewHTTPSink(url, token string, timeout time.Duration, attempts int) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		URL:      url,
		Token:    token,
		Timeout:  timeout,
		Attempts: attempts,
		Recorder: nopRecorder{},
		queue:    make(chan voice.AudioPayload, 16),
	}
}

func (h *HTTPSink) HandleAudio(p voice.AudioPayload) {
	if !p.IsFinal {
		return
	}
	select {
	case h.queue <- p:
	default:
		h.Recorder.RecordSinkError("http")
		logging.Warnw("transport: http queue full, dropping final", "utterance.id", p.UtteranceID)
	}
}

// Start runs the delivery worker until ctx is done, then posts whatever is
// still queued. Each payload gets its own deadline, so a cancelled ctx
// never aborts a delivery in flight. Caller must call wg.Add(1) first.
func (h *HTTPSink) Start(ctx context.Context, wg *sync.WaitGroup) {
	go func() {
		defer wg.Done()
		for {
			select {
			case p := <-h.queue:
				h.deliver(p)
			case <-ctx.Done():
				for {
					select {
					case p := <-h.queue:
						h.deliver(p)
					default:
						return
					}
				}
			}
		}
	}()
}

// deliveryBudget covers every attempt plus the backoff between them.
func (h *HTTPSink) deliveryBudget() time.Duration {
	attempts := h.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(200*((1<<(attempts-1))-1)) * time.Millisecond
	return h.Timeout*time.Duration(attempts) + backoff
}

func (h *HTTPSink) deliver(p voice.AudioPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), h.deliveryBudget())
	defer cancel()
	if err := h.Send(ctx, p); err != nil {
		h.Recorder.RecordSinkError("http")
		logging.Warnw("transport: http delivery failed", "utterance.id", p.UtteranceID, "err", err)
	}
}

// Send delivers one payload synchronously.
func (h *HTTPSink) Send(ctx context.Context, p voice.AudioPayload) error {
	body, err := encodeChunk(p)
	if err != nil {
		return err
	}
	status, _, err := PostWithRetries(ctx, h.Client, h.URL, body, h.Token, h.Timeout, h.Attempts, p.UtteranceID)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("server rejected payload: status %d", status)
	}
	logging.Debugw("transport: payload posted", "utterance.id", p.UtteranceID, "status", status)
	return nil
}

package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Transcriber turns a recording URL into ordered transcript segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) ([]types.Segment, error)
}

type Config struct {
	BaseURL      string
	CallType     string
	PollInterval time.Duration
	PollAttempts int
	// MaxElapsed bounds the retries of a single HTTP exchange.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	HTTPClient      *http.Client
}

// Client talks to the publish/poll/download transcription service.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.CallType == "" {
		cfg.CallType = "PNS"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 40
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 12 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = backoff.DefaultInitialInterval
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 12 * time.Second}
	}
	return &Client{cfg: cfg, http: hc, log: log.Component("transcription")}
}

type PublishResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		MediaId          string `json:"MediaId"`
		Status           string `json:"Status"`
		LanguageId       int    `json:"LanguageId"`
		TranscriptionURL string `json:"TranscriptionURL"`
		WordsCount       int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

type StatusResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		AudioURL             string `json:"AudioURL"`
		LanguageId           int    `json:"LanguageId"`
		Status               string `json:"Status"` // Success, Queued, Processing, Failed
		TranscriptionTextURL string `json:"TranscriptionTextURL"`
		WordsCount           int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

func (c *Client) Transcribe(ctx context.Context, audioURL string) ([]types.Segment, error) {
	if c.cfg.BaseURL == "" {
		return nil, types.Permanent(types.StageTranscription, errors.New("TRANSCRIBE_URL not set"))
	}
	log := c.log.WithField("audio_url", audioURL)
	log.Info("starting transcription")

	mediaID, existingURL, err := c.publish(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	textURL := existingURL
	if textURL == "" {
		if textURL, err = c.poll(ctx, mediaID, log); err != nil {
			return nil, err
		}
	}
	log.WithField("final_url", textURL).Info("download final transcript")

	body, err := c.download(ctx, textURL)
	if err != nil {
		return nil, err
	}
	segments, err := ParseSegments(body)
	if err != nil {
		return nil, types.Permanent(types.StageTranscription, err)
	}
	if err := validateSegments(segments); err != nil {
		return nil, types.Permanent(types.StageTranscription, err)
	}
	return segments, nil
}

func validateSegments(segments []types.Segment) error {
	tr := types.Transcript{Segments: segments}
	if err := types.ValidateStruct(tr); err != nil {
		return err
	}
	return tr.CheckOrder()
}

func (c *Client) publish(ctx context.Context, audioURL string) (string, string, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/transcribe"
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	_ = w.WriteField("callRecordingLink", audioURL)
	_ = w.WriteField("callType", c.cfg.CallType)
	_ = w.Close()

	var resp PublishResponse
	err := c.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}, &resp)
	if err != nil {
		return "", "", err
	}
	if resp.Code != http.StatusOK {
		return "", "", classifyCode(resp.Code,
			fmt.Errorf("transcribe publish error: code=%d reason=%s", resp.Code, resp.Reason))
	}
	if resp.Data.TranscriptionURL != "" && strings.EqualFold(resp.Data.Status, "success") {
		return "", resp.Data.TranscriptionURL, nil
	}
	if resp.Data.MediaId == "" {
		return "", "", types.Transient(types.StageTranscription, errors.New("publish returned no media id"))
	}
	return resp.Data.MediaId, "", nil
}

func (c *Client) poll(ctx context.Context, mediaID string, log *logrus.Entry) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/getstatus")
	if err != nil {
		return "", types.Permanent(types.StageTranscription, err)
	}
	q := u.Query()
	q.Set("mediaId", mediaID)
	u.RawQuery = q.Encode()

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()
	for i := 0; i < c.cfg.PollAttempts; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		timer.Reset(c.cfg.PollInterval)

		var s StatusResponse
		err := c.doJSON(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		}, &s)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.WithError(err).Warn("polling failed")
			continue
		}
		log.WithFields(logrus.Fields{"media_id": mediaID, "status": s.Data.Status}).Debug("polling transcription")

		switch s.Data.Status {
		case "Success":
			return s.Data.TranscriptionTextURL, nil
		case "Queued", "Processing":
			continue
		case "Failed":
			// The service fails jobs on unreadable audio; retrying the same file won't help.
			return "", types.Permanent(types.StageTranscription, fmt.Errorf("transcription failed: %s", s.Reason))
		}
	}
	return "", types.Transient(types.StageTranscription, errors.New("transcription timeout"))
}

func (c *Client) download(ctx context.Context, textURL string) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, textURL, nil)
		if err != nil {
			return backoff.Permanent(types.Permanent(types.StageTranscription, err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return types.Transient(types.StageTranscription, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if err := statusError(resp.StatusCode, "download failed", b); err != nil {
			return err
		}
		body = b
		return nil
	}
	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}
	return body, nil
}

// doJSON sends the request built by newReq, retrying transient failures with
// exponential backoff, and decodes the JSON body into target.
func (c *Client) doJSON(ctx context.Context, newReq func() (*http.Request, error), target any) error {
	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(types.Permanent(types.StageTranscription, err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return types.Transient(types.StageTranscription, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if err := statusError(resp.StatusCode, "server error", body); err != nil {
			return err
		}
		if len(body) == 0 {
			return types.Transient(types.StageTranscription, errors.New("empty body"))
		}
		if err := json.Unmarshal(body, target); err != nil {
			return types.Transient(types.StageTranscription,
				fmt.Errorf("json decode error: %v body=%s", err, string(body)))
		}
		return nil
	}
	return c.retry(ctx, op)
}

func (c *Client) retry(ctx context.Context, op backoff.Operation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxElapsedTime = c.cfg.MaxElapsed
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// statusError maps HTTP status codes onto stage errors. 429 and 5xx are retried;
// other 4xx stop the retry loop.
func statusError(code int, msg string, body []byte) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return types.Transient(types.StageTranscription, fmt.Errorf("%s: status=%d body=%s", msg, code, body))
	default:
		return backoff.Permanent(types.Permanent(types.StageTranscription,
			fmt.Errorf("%s: status=%d body=%s", msg, code, body)))
	}
}

func classifyCode(code int, err error) error {
	if code == http.StatusTooManyRequests || code >= 500 || code == 0 {
		return types.Transient(types.StageTranscription, err)
	}
	return types.Permanent(types.StageTranscription, err)
}

package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type GatewayConfig struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// MaxElapsed bounds retries of one completion; 0 means a single attempt.
	MaxElapsed time.Duration
	HTTPClient *http.Client
}

// Gateway sends chat-completion requests to an OpenAI-compatible LLM gateway and
// pulls the first JSON object out of the reply.
type Gateway struct {
	cfg  GatewayConfig
	http *http.Client
	log  *logger.Logger
}

func NewGateway(cfg GatewayConfig, log *logger.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{cfg: cfg, http: hc, log: log.Component("llm-gateway")}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteJSON sends system and user prompts and decodes the JSON object found in the
// reply into target. Errors are StageErrors for the given stage.
func (g *Gateway) CompleteJSON(ctx context.Context, stage types.Stage, system, prompt string, target any) error {
	return g.complete(ctx, stage, system, prompt, func(body []byte) error {
		log := g.log.WithField("stage", stage)
		// Try choices[0].message.content (OpenAI-like)
		if inner := extractContentFromChoices(body); inner != "" {
			if err := json.Unmarshal([]byte(inner), target); err == nil {
				return nil
			}
			log.Warn("unmarshal from choices content failed")
		}
		// Fallback: find first balanced JSON in response body
		if fallback := extractJSON(string(body)); fallback != "" {
			if err := json.Unmarshal([]byte(fallback), target); err == nil {
				return nil
			}
			log.Warn("unmarshal from fallback JSON failed")
		}
		return types.Transient(stage, errors.New("no JSON found in LLM output"))
	})
}

// Complete returns the plain text of the first choice in the reply.
func (g *Gateway) Complete(ctx context.Context, stage types.Stage, system, prompt string) (string, error) {
	var text string
	err := g.complete(ctx, stage, system, prompt, func(body []byte) error {
		text = strings.TrimSpace(choiceContent(body))
		if text == "" {
			return types.Transient(stage, errors.New("empty LLM reply"))
		}
		return nil
	})
	return text, err
}

// complete posts one chat request, retrying transient failures, and hands the raw
// response body to parse.
func (g *Gateway) complete(ctx context.Context, stage types.Stage, system, prompt string, parse func(body []byte) error) error {
	if g.cfg.URL == "" || g.cfg.APIKey == "" {
		return types.Permanent(stage, errors.New("llm gateway not configured"))
	}
	data, err := json.Marshal(map[string]any{
		"model": g.cfg.Model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		"temperature": g.cfg.Temperature,
	})
	if err != nil {
		return types.Permanent(stage, err)
	}
	log := g.log.WithField("stage", stage)
	log.WithField("payload_len", len(data)).Debug("llm request")

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(types.Permanent(stage, err))
		}
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.http.Do(req)
		if err != nil {
			log.WithError(err).Warn("llm request failed")
			return types.Transient(stage, err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		log.WithField("http_status", resp.StatusCode).Debug("llm raw:\n" + string(body))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return types.Transient(stage, fmt.Errorf("llm gateway status=%d", resp.StatusCode))
		case resp.StatusCode >= 400:
			// Permanent: don't retry on client errors
			return backoff.Permanent(types.Permanent(stage,
				fmt.Errorf("llm gateway status=%d body=%s", resp.StatusCode, body)))
		}
		return parse(body)
	}

	var bo backoff.BackOff = &backoff.StopBackOff{}
	if g.cfg.MaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = g.cfg.MaxElapsed
		bo = eb
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// extractContentFromChoices attempts to read openai-style choices[0].message.content JSON
func extractContentFromChoices(body []byte) string {
	return extractJSON(choiceContent(body))
}

func choiceContent(body []byte) string {
	var obj struct {
		Choices []struct {
			Message message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.Choices) == 0 {
		return ""
	}
	return obj.Choices[0].Message.Content
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```yaml", "```text", "```", "`json", "`"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}

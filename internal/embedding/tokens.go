package embedding

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
)

// Counter measures text in model tokens.
type Counter interface {
	Count(text string) int
}

// TokenCounter counts with a tiktoken encoding, loaded on first use. If the encoding
// cannot be loaded it falls back to Estimate.
type TokenCounter struct {
	encoding string
	log      *logger.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter uses cl100k_base when encoding is empty, the encoding of the
// OpenAI embedding models.
func NewTokenCounter(encoding string, log *logger.Logger) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding, log: log.Component("tokens")}
}

func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.log.WithError(err).Warn("tiktoken unavailable, estimating token counts")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Estimate approximates tokens as one per four characters, rounded up.
func Estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// EstimateCounter counts with Estimate only.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return Estimate(text) }

package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// sniffBytes is enough for mimetype to recognise every audio container we accept.
const sniffBytes = 3072

// containers that carry audio but are not registered under audio/*.
var audioContainers = map[string]bool{
	"video/mp4":       true,
	"video/webm":      true,
	"video/ogg":       true,
	"application/ogg": true,
}

// Prober fetches the head of a recording and rejects inputs no transcription
// service can use: missing, zero-length or non-audio files.
type Prober struct {
	http *http.Client
}

func NewProber(hc *http.Client) *Prober {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Prober{http: hc}
}

// Probe returns the detected MIME type. Input faults are permanent stage errors;
// network faults and 5xx responses are transient.
func (p *Prober) Probe(ctx context.Context, audioURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", types.Permanent(types.StageTranscription, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffBytes-1))

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.Transient(types.StageTranscription, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// a range past the end means the object is empty
		return "", types.Permanent(types.StageTranscription, errors.New("recording is empty"))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", types.Transient(types.StageTranscription, fmt.Errorf("probe recording: status=%d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return "", types.Permanent(types.StageTranscription, fmt.Errorf("probe recording: status=%d", resp.StatusCode))
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffBytes))
	if err != nil {
		return "", types.Transient(types.StageTranscription, err)
	}
	if len(head) == 0 {
		return "", types.Permanent(types.StageTranscription, errors.New("recording is empty"))
	}

	mime := mimetype.Detect(head)
	if !isAudio(mime) {
		return mime.String(), types.Permanent(types.StageTranscription,
			fmt.Errorf("unsupported recording format %s", mime.String()))
	}
	return mime.String(), nil
}

func isAudio(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		name := m.String()
		if strings.HasPrefix(name, "audio/") || audioContainers[name] {
			return true
		}
	}
	return false
}

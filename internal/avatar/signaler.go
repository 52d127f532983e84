package avatar

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Signaler notifies the chat backend that the avatar was interrupted so it
// can stop generating for the cut-off turn. Delivery is best effort: failures
// are logged and never propagate to the barge-in path.
type Signaler struct {
	url    string
	client *http.Client
}

func NewSignaler(rawURL string) *Signaler {
	return &Signaler{
		url:    rawURL,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Signal fires the interruption notification for the given call. It returns
// once the request completes or fails; the outcome is only logged.
func (s *Signaler) Signal(ctx context.Context, callID string) {
	if s.url == "" {
		return
	}
	target := fmt.Sprintf("%s?signature=%s", s.url, url.QueryEscape(callID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		log.Printf("avatar: build interruption signal for %s: %v", callID, err)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("avatar: interruption signal for %s: %v", callID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("avatar: interruption signal for %s: status %d", callID, resp.StatusCode)
	}
}

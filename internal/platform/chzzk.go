package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"streamwatch/internal/stream"
)

const (
	chzzkAPIBase  = "https://api.chzzk.naver.com"
	chzzkSiteBase = "https://chzzk.naver.com"

	chzzkOpenStatus = "OPEN"
)

// Chzzk resolves channel status via the polling API, preferring the newer
// endpoint revision and falling back to the older one on any failure.
type Chzzk struct {
	client   HTTPDoer
	apiBase  string
	siteBase string
}

func NewChzzk(client HTTPDoer) *Chzzk {
	return &Chzzk{
		client:   client,
		apiBase:  chzzkAPIBase,
		siteBase: chzzkSiteBase,
	}
}

func (c *Chzzk) Name() string { return stream.PlatformChzzk }

type chzzkLiveStatus struct {
	Content *struct {
		Status    string `json:"status"`
		LiveTitle string `json:"liveTitle"`
	} `json:"content"`
}

type chzzkChannelInfo struct {
	Content *struct {
		ChannelImageURL string `json:"channelImageUrl"`
	} `json:"content"`
}

func (c *Chzzk) ResolveStatus(ctx context.Context, id string) (Status, error) {
	candidates := []string{
		c.apiBase + "/polling/v2/channels/" + id + "/live-status",
		c.apiBase + "/polling/v1/channels/" + id + "/live-status",
	}

	var lastErr error
	for _, url := range candidates {
		st, err := c.fetchStatus(ctx, url, id)
		if err == nil {
			return st, nil
		}
		lastErr = err
	}
	return Status{}, lastErr
}

func (c *Chzzk) fetchStatus(ctx context.Context, url, id string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	body, err := doRequest(c.client, req)
	if err != nil {
		return Status{}, err
	}

	var parsed chzzkLiveStatus
	if err := decodeJSON(body, url, &parsed); err != nil {
		return Status{}, err
	}
	if parsed.Content == nil {
		return Status{}, fmt.Errorf("%w: %s: missing content", ErrMalformed, url)
	}

	live := strings.EqualFold(parsed.Content.Status, chzzkOpenStatus)
	st := Status{
		Live:      live,
		Title:     parsed.Content.LiveTitle,
		Signature: stream.OfflineSignature,
		URL:       c.siteBase + "/live/" + id,
	}
	if live {
		st.Signature = "OPEN:" + st.Title
	}
	return st, nil
}

func (c *Chzzk) ResolveAvatarURL(ctx context.Context, id string) (string, error) {
	url := c.apiBase + "/service/v1/channels/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	body, err := doRequest(c.client, req)
	if err != nil {
		return "", err
	}

	var parsed chzzkChannelInfo
	if err := decodeJSON(body, url, &parsed); err != nil {
		return "", err
	}
	if parsed.Content == nil {
		return "", fmt.Errorf("%w: %s: missing content", ErrMalformed, url)
	}
	return parsed.Content.ChannelImageURL, nil
}

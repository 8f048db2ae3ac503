// Package bili is a thin client for the public Bilibili web API, covering
// the three endpoints the collector polls: video counters, concurrent
// viewers and author follower counts.
package bili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rainpenber/bili-stats-monitor/pkg/telemetry"
)

const (
	defaultBaseURL   = "https://api.bilibili.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	refererURL       = "https://www.bilibili.com/"
)

// Client calls the Bilibili web API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	wbi        wbiSigner
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option           { return func(c *Client) { c.baseURL = u } }
func WithUserAgent(ua string) Option        { return func(c *Client) { c.userAgent = ua } }
func WithHTTPClient(h *http.Client) Option  { return func(c *Client) { c.httpClient = h } }
func withClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// NewClient constructs a Client. Timeouts are enforced by the caller's
// context, not by the embedded http.Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    defaultBaseURL,
		userAgent:  defaultUserAgent,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the common Bilibili response shape.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// VideoStat is the public counter block of a video.
type VideoStat struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Reply    int64 `json:"reply"`
	Favorite int64 `json:"favorite"`
	Coin     int64 `json:"coin"`
	Share    int64 `json:"share"`
	Like     int64 `json:"like"`
}

// VideoView is the subset of /x/web-interface/view the collector uses.
type VideoView struct {
	BVID    string    `json:"bvid"`
	Title   string    `json:"title"`
	CID     int64     `json:"cid"`
	Pubdate int64     `json:"pubdate"`
	Stat    VideoStat `json:"stat"`
	Owner   struct {
		Mid  int64  `json:"mid"`
		Name string `json:"name"`
	} `json:"owner"`
}

// UserStat is the subset of /x/relation/stat the collector uses.
type UserStat struct {
	Follower int64 `json:"follower"`
}

// GetVideoView fetches a video's metadata and counters.
func (c *Client) GetVideoView(ctx context.Context, bvid, cookie string) (*VideoView, error) {
	var view VideoView
	err := c.get(ctx, "/x/web-interface/view", "bvid="+bvid, cookie, &view)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// GetOnlineTotal fetches the concurrent-viewer count for a video part.
// Bilibili returns the total as a string ("1000+" overflows are clamped).
func (c *Client) GetOnlineTotal(ctx context.Context, bvid string, cid int64, cookie string) (int64, error) {
	var data struct {
		Total string `json:"total"`
	}
	query := fmt.Sprintf("bvid=%s&cid=%d", bvid, cid)
	if err := c.get(ctx, "/x/player/online/total", query, cookie, &data); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(data.Total, 10, 64)
	if err != nil {
		// "1000+" and friends: keep the numeric prefix.
		trimmed := data.Total
		for len(trimmed) > 0 && (trimmed[len(trimmed)-1] < '0' || trimmed[len(trimmed)-1] > '9') {
			trimmed = trimmed[:len(trimmed)-1]
		}
		n, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse online total %q: %w", data.Total, err)
		}
	}
	return n, nil
}

// GetUserStat fetches follower counts for a user. The endpoint requires a
// WBI signature; keys are refreshed from the nav endpoint on demand.
func (c *Client) GetUserStat(ctx context.Context, mid, cookie string) (*UserStat, error) {
	if !c.wbi.valid(c.now()) {
		if err := c.refreshWBIKeys(ctx, cookie); err != nil {
			return nil, err
		}
	}

	query, err := c.wbi.sign(map[string]string{"vmid": mid}, c.now())
	if err != nil {
		return nil, err
	}

	var stat UserStat
	if err := c.get(ctx, "/x/relation/stat", query, cookie, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

// refreshWBIKeys pulls img/sub keys from the nav endpoint. Works without a
// login; the wbi_img block is present even for anonymous requests.
func (c *Client) refreshWBIKeys(ctx context.Context, cookie string) error {
	var data struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	}
	// The nav endpoint reports code -101 for anonymous callers but still
	// carries wbi_img, so a code error alone is not fatal here.
	err := c.get(ctx, "/x/web-interface/nav", "", cookie, &data)
	if err != nil {
		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.AuthRejected() {
			return err
		}
	}

	imgKey := wbiKeyFromURL(data.WbiImg.ImgURL)
	subKey := wbiKeyFromURL(data.WbiImg.SubURL)
	if imgKey == "" || subKey == "" {
		return fmt.Errorf("nav response missing wbi keys")
	}
	c.wbi.refresh(imgKey, subKey, c.now())
	return nil
}

// get performs one API call and decodes data into out when the business
// code is zero.
func (c *Client) get(ctx context.Context, endpoint, query, cookie string, out any) error {
	u := c.baseURL + endpoint
	if query != "" {
		u += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", refererURL)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.UpstreamRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	telemetry.UpstreamRequestsTotal.WithLabelValues(endpoint, statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.Code != 0 {
		apiErr := &APIError{Endpoint: endpoint, Code: env.Code, Message: env.Message}
		// Callers may still want the partial payload (nav's wbi_img).
		if out != nil && len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, out)
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", endpoint, err)
		}
	}
	return nil
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

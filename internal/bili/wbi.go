package bili

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// mixinKeyEncTab is the fixed permutation Bilibili applies to the
// concatenated img/sub keys before truncating to 32 characters.
var mixinKeyEncTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

// wbiKeyTTL is how long extracted keys stay usable; Bilibili rotates them
// roughly daily, refreshing twice a day keeps a safe margin.
const wbiKeyTTL = 12 * time.Hour

// ErrWBIKeysUnavailable is returned when signing is requested before any
// keys were extracted from the nav endpoint.
var ErrWBIKeysUnavailable = errors.New("wbi keys unavailable, refresh from nav first")

// wbiSigner computes the w_rid/wts signature some Bilibili endpoints require.
// Safe for concurrent use.
type wbiSigner struct {
	mu        sync.Mutex
	imgKey    string
	subKey    string
	expiresAt time.Time
}

// refresh stores freshly extracted keys.
func (s *wbiSigner) refresh(imgKey, subKey string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imgKey = imgKey
	s.subKey = subKey
	s.expiresAt = now.Add(wbiKeyTTL)
}

// valid reports whether usable keys are cached.
func (s *wbiSigner) valid(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imgKey != "" && now.Before(s.expiresAt)
}

// sign returns the full encoded query for params with wts and w_rid added.
func (s *wbiSigner) sign(params map[string]string, now time.Time) (string, error) {
	s.mu.Lock()
	imgKey, subKey, expires := s.imgKey, s.subKey, s.expiresAt
	s.mu.Unlock()

	if imgKey == "" || !now.Before(expires) {
		return "", ErrWBIKeysUnavailable
	}

	mixin, err := mixinKey(imgKey + subKey)
	if err != nil {
		return "", err
	}

	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed["wts"] = fmt.Sprintf("%d", now.Unix())

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+encodeWBIValue(signed[k]))
	}
	query := strings.Join(parts, "&")

	sum := md5.Sum([]byte(query + mixin))
	return query + "&w_rid=" + hex.EncodeToString(sum[:]), nil
}

// mixinKey permutes the 64-char raw key and truncates to 32 chars.
func mixinKey(raw string) (string, error) {
	if len(raw) < 64 {
		return "", fmt.Errorf("raw wbi key must be at least 64 characters, got %d", len(raw))
	}
	var b strings.Builder
	b.Grow(32)
	for _, idx := range mixinKeyEncTab[:32] {
		b.WriteByte(raw[idx])
	}
	return b.String(), nil
}

// encodeWBIValue strips the characters Bilibili disallows in signed values
// and percent-encodes the rest with %20 for spaces.
func encodeWBIValue(v string) string {
	filtered := strings.Map(func(r rune) rune {
		switch r {
		case '!', '\'', '(', ')', '*':
			return -1
		}
		return r
	}, v)
	return strings.ReplaceAll(url.QueryEscape(filtered), "+", "%20")
}

// wbiKeyFromURL extracts the key from an img_url/sub_url like
// "https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png".
func wbiKeyFromURL(u string) string {
	slash := strings.LastIndex(u, "/")
	if slash < 0 || slash == len(u)-1 {
		return ""
	}
	name := u[slash+1:]
	return strings.TrimSuffix(name, ".png")
}

package domain

import "time"

// VideoStats is one reading of a video's public counters.
type VideoStats struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Like     int64 `json:"like"`
	Coin     int64 `json:"coin"`
	Favorite int64 `json:"favorite"`
	Share    int64 `json:"share"`
	Reply    int64 `json:"reply"`
	// Online is the concurrent-viewer count. Nil when the online endpoint
	// was unavailable; its failure never fails the whole collection.
	Online *int64 `json:"online,omitempty"`
}

// AuthorStats is one reading of an author's public counters.
type AuthorStats struct {
	Follower int64 `json:"follower"`
}

// MetricSample is one immutable timestamped reading for a task.
// Samples are append-only; exactly one of Video/Author is set,
// matching the owning task's Kind.
type MetricSample struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	CollectedAt time.Time    `json:"collected_at"`
	Video       *VideoStats  `json:"video,omitempty"`
	Author      *AuthorStats `json:"author,omitempty"`
}

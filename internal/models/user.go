package models

import "time"

// User owns sources and has its own feed.
type User struct {
	ID        int64
	Username  string
	IsAdmin   bool
	FeedToken string
	APIToken  string
	CreatedAt time.Time
}

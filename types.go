// types.go
package main

import (
	"sync"
	"time"
)

// FacebookEvent represents the incoming webhook event from Facebook
type FacebookEvent struct {
	Object string      `json:"object"`
	Entry  []EntryData `json:"entry"`
}

// EntryData represents each entry in the webhook event
type EntryData struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEntry `json:"messaging"`
}

// MessagingEntry represents one messaging event in the Facebook webhook.
// Exactly one of Message, Postback, or Delivery is set.
type MessagingEntry struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64         `json:"timestamp"`
	Message   *MessageData  `json:"message"`
	Postback  *PostbackData `json:"postback"`
	Delivery  *DeliveryData `json:"delivery"`
}

// MessageData represents the actual message content
type MessageData struct {
	Mid        string          `json:"mid"`
	Text       string          `json:"text"`
	IsEcho     bool            `json:"is_echo"`
	AppId      int64           `json:"app_id"`
	QuickReply *QuickReplyData `json:"quick_reply"`
}

// QuickReplyData is the payload attached when a user taps a quick reply
type QuickReplyData struct {
	Payload string `json:"payload"`
}

// PostbackData represents a structured button click
type PostbackData struct {
	Mid     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// DeliveryData represents a delivery receipt from Facebook
type DeliveryData struct {
	Mids      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// FacebookProfile is the Graph API profile response
type FacebookProfile struct {
	FirstName string `json:"first_name"`
	Name      string `json:"name"`
}

// UserCache keeps resolved profile names in memory for a day so repeat
// messages don't hammer the Graph API.
type UserCache struct {
	sync.RWMutex
	data map[string]cachedUser
}

type cachedUser struct {
	name      string
	expiresAt time.Time
}

const userCacheDuration = 24 * time.Hour

func newUserCache() *UserCache {
	return &UserCache{data: make(map[string]cachedUser)}
}

func (c *UserCache) Get(userID string) (string, bool) {
	c.RLock()
	defer c.RUnlock()

	if user, exists := c.data[userID]; exists && time.Now().Before(user.expiresAt) {
		return user.name, true
	}
	return "", false
}

func (c *UserCache) Set(userID, name string) {
	c.Lock()
	defer c.Unlock()

	c.data[userID] = cachedUser{
		name:      name,
		expiresAt: time.Now().Add(userCacheDuration),
	}
}

package models

import (
	"strings"

	"pulsespace/pkg/timeutil"
)

type Visibility string

const (
	Public  Visibility = "PUBLIC"
	Private Visibility = "PRIVATE"
)

// ParseVisibility accepts either case and defaults to PUBLIC.
func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(strings.ToUpper(strings.TrimSpace(s))) {
	case "", Public:
		return Public, true
	case Private:
		return Private, true
	}
	return "", false
}

type ChannelRole string

const (
	ChannelOwner  ChannelRole = "OWNER"
	ChannelMember ChannelRole = "MEMBER"
)

type Channel struct {
	ID          int64              `json:"id"`
	WorkspaceID int64              `json:"workspaceId"`
	Name        string             `json:"name"`
	Visibility  Visibility         `json:"visibility"`
	Description string             `json:"description"`
	Icon        string             `json:"icon,omitempty"`
	Color       string             `json:"color,omitempty"`
	CreatedBy   int64              `json:"createdBy"`
	CreatedAt   timeutil.LocalTime `json:"createdAt"`
}

type ChannelMembership struct {
	ChannelID int64              `json:"channelId"`
	UserID    int64              `json:"userId"`
	Name      string             `json:"name,omitempty"`
	Email     string             `json:"email,omitempty"`
	Role      ChannelRole        `json:"role"`
	JoinedAt  timeutil.LocalTime `json:"joinedAt"`
}

// ChannelSummary is a channel as seen by one viewer.
type ChannelSummary struct {
	Channel
	UnreadCount       int64    `json:"unreadCount"`
	LastReadMessageID int64    `json:"lastReadMessageId"`
	LatestMessage     *Message `json:"latestMessage"`
}

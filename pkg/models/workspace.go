package models

import "pulsespace/pkg/timeutil"

type User struct {
	ID           int64              `json:"id"`
	Email        string             `json:"email"`
	Name         string             `json:"name"`
	PasswordHash string             `json:"password_hash,omitempty"`
	CreatedAt    timeutil.LocalTime `json:"createdAt"`
}

// Public strips credentials.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

type WorkspaceRole string

const (
	WorkspaceOwner  WorkspaceRole = "OWNER"
	WorkspaceAdmin  WorkspaceRole = "ADMIN"
	WorkspaceMember WorkspaceRole = "MEMBER"
)

// CanInvite reports whether the role may add workspace members.
func (r WorkspaceRole) CanInvite() bool {
	return r == WorkspaceOwner || r == WorkspaceAdmin
}

type Workspace struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	OwnerID     int64              `json:"ownerId"`
	CreatedAt   timeutil.LocalTime `json:"createdAt"`
}

type WorkspaceMembership struct {
	WorkspaceID int64              `json:"workspaceId"`
	UserID      int64              `json:"userId"`
	Name        string             `json:"name,omitempty"`
	Email       string             `json:"email,omitempty"`
	Role        WorkspaceRole      `json:"role"`
	JoinedAt    timeutil.LocalTime `json:"joinedAt"`
}

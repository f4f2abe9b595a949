// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role controls access to the admin surface.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Status is an account's standing.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Plan sets the daily prompt allowance.
type Plan string

const (
	PlanExplorer  Plan = "explorer"
	PlanInnovator Plan = "innovator"
	PlanVisionary Plan = "visionary"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusSuspended:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// ParsePlan validates a plan name.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanExplorer, PlanInnovator, PlanVisionary:
		return p, nil
	}
	return "", fmt.Errorf("invalid plan %q", s)
}

// UserData is stored at users/{uid}.
type UserData struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	PhotoURL     string    `json:"photoURL,omitempty"`
	Role         Role      `json:"role"`
	Status       Status    `json:"status"`
	Plan         Plan      `json:"plan"`
	Anonymous    bool      `json:"anonymous,omitempty"`
	LastLogin    time.Time `json:"lastLogin"`
	PromptsToday int       `json:"promptsToday"`
	PromptDay    string    `json:"promptDay,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the user may use the admin surface.
func (u *UserData) IsAdmin() bool {
	return u.Role == RoleAdmin && u.Status == StatusActive
}

// Label is the email, or the display name for anonymous users.
func (u *UserData) Label() string {
	if u.Email != "" {
		return u.Email
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.UID
}

// credential is stored at credentials/{uid}, apart from the profile so that
// listing users never reads password hashes.
type credential struct {
	PasswordHash string `json:"passwordHash,omitempty"`
	TOTPSecret   string `json:"totpSecret,omitempty"`
}

// sessionDoc is stored at sessions/{sha256(token)}.
// emailClaim is stored at emailIndex/{emailKey(email)}.
type emailClaim struct {
	UID string `json:"uid"`
}

type sessionDoc struct {
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is a signed-in user.
type Session struct {
	Token     string    `json:"token"`
	User      *UserData `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

package types

import (
	"time"
)

// Method names accepted on the page-facing provider surface
type Method string

const (
	MethodGetAccounts       Method = "getAccounts"
	MethodRequestConnection Method = "requestConnection"
	MethodSignMessage       Method = "signMessage"
)

// AllMethods returns every method a page context may call
func AllMethods() []Method {
	return []Method{MethodGetAccounts, MethodRequestConnection, MethodSignMessage}
}

// IsValidMethod checks if a method name is part of the provider surface
func IsValidMethod(method string) bool {
	for _, m := range AllMethods() {
		if string(m) == method {
			return true
		}
	}
	return false
}

// EventAccountsChanged is the only broadcast event type
const EventAccountsChanged = "accountsChanged"

// RequestKind groups pending requests for deduplication
type RequestKind string

const (
	RequestKindConnect RequestKind = "connect"
	RequestKindSign    RequestKind = "sign"
)

// PermissionGrant is the durable record of accounts an origin may see
type PermissionGrant struct {
	Origin    string     `json:"origin"`
	Accounts  []string   `json:"accounts"`
	GrantedAt time.Time  `json:"granted_at"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the grant currently authorizes any account
func (g *PermissionGrant) Active() bool {
	return g != nil && !g.Revoked && len(g.Accounts) > 0
}

// Clone returns a deep copy so callers never share the accounts slice
func (g *PermissionGrant) Clone() *PermissionGrant {
	if g == nil {
		return nil
	}
	c := *g
	c.Accounts = CloneAccounts(g.Accounts)
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// PendingRequest is an in-flight connection request awaiting the user.
// Callers that arrive while it is open join it instead of prompting again.
type PendingRequest struct {
	ID        string      `json:"id"`
	Origin    string      `json:"origin"`
	Kind      RequestKind `json:"kind"`
	Method    Method      `json:"method"`
	CreatedAt time.Time   `json:"created_at"`
	Waiters   int         `json:"waiters"`
}

// Session is a read-only snapshot of an origin's connected accounts
type Session struct {
	Origin    string    `json:"origin"`
	Accounts  []string  `json:"accounts"`
	CreatedAt time.Time `json:"created_at"`
}

// SignStatus tracks a signing request through approval
type SignStatus string

const (
	SignStatusPending  SignStatus = "pending"
	SignStatusApproved SignStatus = "approved"
	SignStatusRejected SignStatus = "rejected"
)

// SignRequest describes a message an origin asked the primary account to sign
type SignRequest struct {
	ID      string     `json:"id"`
	Origin  string     `json:"origin"`
	Account string     `json:"account"`
	Message string     `json:"message"`
	Status  SignStatus `json:"status"`
}

// CloneAccounts copies an account list; nil stays nil-free as an empty slice
func CloneAccounts(accounts []string) []string {
	out := make([]string, len(accounts))
	copy(out, accounts)
	return out
}

// DedupeAccounts removes repeated identifiers keeping first-seen order
func DedupeAccounts(accounts []string) []string {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

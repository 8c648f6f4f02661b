package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,25}$`)

// Identity is one configured Twitch user. The persisted JSON form is the
// wire contract; runtime-only values (resolved user id, last color, hex
// strikes) are persisted too so restarts pick up where they left off.
type Identity struct {
	Username            string     `json:"username"`
	ClientID            string     `json:"client_id"`
	ClientSecret        string     `json:"client_secret"`
	Channels            []string   `json:"channels"`
	IsPrimeOrTurbo      bool       `json:"is_prime_or_turbo"`
	Enabled             bool       `json:"enabled"`
	AccessToken         string     `json:"access_token"`
	RefreshToken        string     `json:"refresh_token"`
	TokenExpiry         *time.Time `json:"token_expiry"`
	UserID              string     `json:"user_id,omitempty"`
	LastColor           string     `json:"last_color,omitempty"`
	HexRejectionStrikes int        `json:"hex_rejection_strikes,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (id Identity) Clone() Identity {
	out := id
	out.Channels = append([]string(nil), id.Channels...)
	if id.TokenExpiry != nil {
		expiry := *id.TokenExpiry
		out.TokenExpiry = &expiry
	}
	return out
}

// Key is the canonical map key for the identity.
func (id Identity) Key() string {
	return strings.ToLower(strings.TrimSpace(id.Username))
}

// Normalize lowercases the username and channel logins, strips leading
// '#', deduplicates channels and validates the field constraints. It mutates
// the receiver in place and reports the first violation.
func (id *Identity) Normalize() error {
	id.Username = strings.ToLower(strings.TrimSpace(id.Username))
	if !usernameRe.MatchString(id.Username) {
		return fmt.Errorf("config: invalid username %q", id.Username)
	}

	seen := make(map[string]struct{}, len(id.Channels))
	channels := make([]string, 0, len(id.Channels))
	for _, raw := range id.Channels {
		ch := strings.ToLower(strings.TrimSpace(raw))
		ch = strings.TrimPrefix(ch, "#")
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	if len(channels) == 0 {
		return fmt.Errorf("config: user %s has no channels", id.Username)
	}
	id.Channels = channels

	id.ClientID = strings.TrimSpace(id.ClientID)
	id.ClientSecret = strings.TrimSpace(id.ClientSecret)
	if id.ClientID != "" && len(id.ClientID) < 10 {
		return fmt.Errorf("config: user %s client_id too short", id.Username)
	}
	if id.ClientSecret != "" && len(id.ClientSecret) < 10 {
		return fmt.Errorf("config: user %s client_secret too short", id.Username)
	}

	id.AccessToken = strings.TrimSpace(id.AccessToken)
	id.RefreshToken = strings.TrimSpace(id.RefreshToken)
	return nil
}

// NeedsProvisioning reports whether the identity cannot run before the
// device authorization grant completes.
func (id Identity) NeedsProvisioning() bool {
	return id.AccessToken == ""
}

// Redacted is the identity with secrets replaced, for logs and the status
// endpoint.
func (id Identity) Redacted() map[string]any {
	return map[string]any{
		"username":              id.Username,
		"client_id":             redactString(id.ClientID),
		"channels":              append([]string(nil), id.Channels...),
		"is_prime_or_turbo":     id.IsPrimeOrTurbo,
		"enabled":               id.Enabled,
		"access_token":          redactString(id.AccessToken),
		"refresh_token":         redactString(id.RefreshToken),
		"user_id":               id.UserID,
		"last_color":            id.LastColor,
		"hex_rejection_strikes": id.HexRejectionStrikes,
	}
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

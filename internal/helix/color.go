package helix

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
)

// HexUnavailableMarkers are the response body substrings that identify a
// hex rejection for a non Prime/Turbo account. Twitch has changed this
// wording before, so the detector is a variable rather than a constant.
var HexUnavailableMarkers = []string{
	"Turbo or Prime",
	"Hex color code",
}

// GetColor returns the user's current chat color, or "" when none is set.
// A 404 also maps to "": the user simply has no color record.
func (c *Client) GetColor(ctx context.Context, access, userID string) (string, error) {
	q := url.Values{}
	q.Set("user_id", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixURL("/chat/color")+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	c.authHeaders(req, access)

	status, body, header, err := c.do(ctx, "get_color", req)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	if status != http.StatusOK {
		return "", statusError("get_color", status, body, header)
	}

	var parsed struct {
		Data []struct {
			Color string `json:"color"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &APIError{Kind: KindTransient, Op: "get_color", Status: status}
	}
	if len(parsed.Data) == 0 {
		return "", nil
	}
	return parsed.Data[0].Color, nil
}

// PutColor sets the user's chat color. color is either a preset name or a
// "#rrggbb" value; the hash is query-escaped on the wire.
func (c *Client) PutColor(ctx context.Context, access, userID, color string) error {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("color", color)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, helixURL("/chat/color")+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	c.authHeaders(req, access)

	status, body, header, err := c.do(ctx, "put_color", req)
	if err != nil {
		return err
	}
	if status == http.StatusNoContent {
		return nil
	}

	if status == http.StatusBadRequest || status == http.StatusForbidden {
		if hexUnavailable(body) {
			return &APIError{Kind: KindHexUnavailable, Op: "put_color", Status: status, Body: string(body)}
		}
		if strings.HasPrefix(color, "#") {
			// Unrecognized rejection of a hex value: log the raw body so
			// a marker drift is visible in the field. Bodies carry no
			// credentials.
			log.Printf("helix: put_color rejected hex with unmatched body: %s", strings.TrimSpace(string(body)))
		}
	}
	return statusError("put_color", status, body, header)
}

func hexUnavailable(body []byte) bool {
	text := strings.ToLower(string(body))
	for _, marker := range HexUnavailableMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

package helix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// ResolveUsers maps login names to numeric user ids. Helix accepts at most
// 100 logins per request; larger inputs are batched. Unknown logins are
// simply absent from the result.
func (c *Client) ResolveUsers(ctx context.Context, access string, logins []string) (map[string]string, error) {
	out := make(map[string]string, len(logins))
	for start := 0; start < len(logins); start += 100 {
		end := start + 100
		if end > len(logins) {
			end = len(logins)
		}
		if err := c.resolveBatch(ctx, access, logins[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) resolveBatch(ctx context.Context, access string, logins []string, out map[string]string) error {
	q := url.Values{}
	for _, login := range logins {
		q.Add("login", strings.ToLower(strings.TrimSpace(login)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixURL("/users")+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	c.authHeaders(req, access)

	status, body, header, err := c.do(ctx, "resolve_user", req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("resolve_user", status, body, header)
	}

	var parsed struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{Kind: KindTransient, Op: "resolve_user", Status: status}
	}
	for _, u := range parsed.Data {
		out[strings.ToLower(u.Login)] = u.ID
	}
	return nil
}

package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Subscription is one EventSub subscription record as returned by the
// list endpoint.
type Subscription struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
		UserID            string `json:"user_id"`
	} `json:"condition"`
}

// ChatMessageType is the EventSub subscription type carrying chat
// messages.
const ChatMessageType = "channel.chat.message"

type subCreateRequest struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
		UserID            string `json:"user_id"`
	} `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

// CreateSubscription subscribes the websocket session to the user's own
// chat messages in one broadcaster channel. A 409 means the subscription
// already exists and is treated as success with an empty id; the next
// audit learns the real id from the list call.
func (c *Client) CreateSubscription(ctx context.Context, access, sessionID, broadcasterID, userID string) (string, error) {
	var payload subCreateRequest
	payload.Type = ChatMessageType
	payload.Version = "1"
	payload.Condition.BroadcasterUserID = broadcasterID
	payload.Condition.UserID = userID
	payload.Transport.Method = "websocket"
	payload.Transport.SessionID = sessionID

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, helixURL("/eventsub/subscriptions"), bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	c.authHeaders(req, access)
	req.Header.Set("Content-Type", "application/json")

	status, body, header, err := c.do(ctx, "sub_create", req)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusAccepted:
	case http.StatusConflict:
		return "", nil
	case http.StatusForbidden:
		return "", &APIError{Kind: KindMissingScopes, Op: "sub_create", Status: status, Body: string(body)}
	default:
		return "", statusError("sub_create", status, body, header)
	}

	var parsed struct {
		Data []Subscription `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Data) == 0 {
		return "", &APIError{Kind: KindTransient, Op: "sub_create", Status: status}
	}
	return parsed.Data[0].ID, nil
}

// ListSubscriptions returns every subscription owned by the user token,
// following pagination cursors.
func (c *Client) ListSubscriptions(ctx context.Context, access, userID string) ([]Subscription, error) {
	var (
		out    []Subscription
		cursor string
	)
	for {
		q := url.Values{}
		q.Set("user_id", userID)
		if cursor != "" {
			q.Set("after", cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixURL("/eventsub/subscriptions")+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		c.authHeaders(req, access)

		status, body, header, err := c.do(ctx, "sub_list", req)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, statusError("sub_list", status, body, header)
		}

		var parsed struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, &APIError{Kind: KindTransient, Op: "sub_list", Status: status}
		}
		out = append(out, parsed.Data...)
		if parsed.Pagination.Cursor == "" {
			return out, nil
		}
		cursor = parsed.Pagination.Cursor
	}
}

// DeleteSubscription removes a subscription by id. A 404 is not an error;
// the record is already gone.
func (c *Client) DeleteSubscription(ctx context.Context, access, id string) error {
	q := url.Values{}
	q.Set("id", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, helixURL("/eventsub/subscriptions")+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	c.authHeaders(req, access)

	status, body, header, err := c.do(ctx, "sub_delete", req)
	if err != nil {
		return err
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil
	}
	return statusError("sub_delete", status, body, header)
}

package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
)

// HTTPAPI talks to the resource API with a bearer token. It implements
// the API interface the Session depends on.
type HTTPAPI struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPAPI(baseURL, token string) *HTTPAPI {
	return &HTTPAPI{
		BaseURL: baseURL,
		Token:   token,
		Client:  http.DefaultClient,
	}
}

func (a *HTTPAPI) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	if err := a.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (a *HTTPAPI) ListMessages(ctx context.Context, conversationID uuid.UUID, before *int64, limit int) ([]domain.Message, bool, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages?limit=%d", conversationID, limit)
	if before != nil {
		path += "&before=" + strconv.FormatInt(*before, 10)
	}

	var resp struct {
		Messages []domain.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.HasMore, nil
}

func (a *HTTPAPI) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (*domain.Message, error) {
	body := map[string]string{"content": content}
	var msg domain.Message
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", conversationID)
	if err := a.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *HTTPAPI) MarkRead(ctx context.Context, conversationID uuid.UUID) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/read", conversationID)
	return a.do(ctx, http.MethodPost, path, nil, nil)
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

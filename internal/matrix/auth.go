package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/pkg/log"
)

// LoginResult is the outcome of a successful login or registration.
type LoginResult struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	DeviceID     string `json:"device_id"`
	RefreshToken string `json:"refresh_token"`
}

// LoginWithPassword performs a password login and returns the session
// tokens. The device display name shows up in the account's device list.
func LoginWithPassword(ctx context.Context, baseURL, username, password, deviceName string) (*LoginResult, error) {
	payload := map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]interface{}{
			"type": "m.id.user",
			"user": Localpart(username),
		},
		"password":                    password,
		"initial_device_display_name": deviceName,
	}

	client := NewClient(baseURL, "", "", 30*time.Second)
	var result LoginResult
	if err := client.do(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, payload, &result); err != nil {
		return nil, toDomainError("login", err)
	}
	if result.AccessToken == "" {
		return nil, &model.ConnError{Message: "login response missing access_token"}
	}
	return &result, nil
}

type uiaaResponse struct {
	Session string `json:"session"`
	Flows   []struct {
		Stages []string `json:"stages"`
	} `json:"flows"`
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func (u *uiaaResponse) hasDummyFlow() bool {
	for _, flow := range u.Flows {
		if len(flow.Stages) == 1 && flow.Stages[0] == "m.login.dummy" {
			return true
		}
	}
	return false
}

// Register creates an account via the UIAA handshake: the initial request
// is expected to fail with 401 listing the required auth stages; when a
// flow consisting solely of m.login.dummy is offered, the credentials are
// resubmitted with a dummy-auth acknowledgment. Servers demanding more
// (email, captcha) produce a ConnError telling the user to register in a
// browser.
func Register(ctx context.Context, baseURL, username, password, deviceName string) (*LoginResult, error) {
	endpoint := cleanBaseURL(baseURL) + "/_matrix/client/v3/register?kind=user"
	body := map[string]interface{}{
		"username":                    username,
		"password":                    password,
		"initial_device_display_name": deviceName,
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	status, respBody, err := postJSON(ctx, httpClient, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	if status >= 200 && status < 300 {
		// Rare: server allowed registration without UIAA.
		return parseLoginResult(respBody)
	}

	var uiaa uiaaResponse
	if err := json.Unmarshal(respBody, &uiaa); err != nil || status != http.StatusUnauthorized {
		apiErr := parseAPIError(status, respBody)
		return nil, &model.ConnError{Code: apiErr.Code, Message: apiErr.Message, Err: apiErr}
	}

	log.WithField("flows", len(uiaa.Flows)).Debug("registration requires interactive auth")

	if !uiaa.hasDummyFlow() {
		return nil, &model.ConnError{
			Code:    uiaa.ErrCode,
			Message: "this server requires additional verification steps (e.g. email or captcha); register in a browser instead",
		}
	}

	auth := map[string]interface{}{"type": "m.login.dummy"}
	if uiaa.Session != "" {
		auth["session"] = uiaa.Session
	}
	body["auth"] = auth

	status, respBody, err = postJSON(ctx, httpClient, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("register retry: %w", err)
	}
	if status < 200 || status >= 300 {
		apiErr := parseAPIError(status, respBody)
		return nil, &model.ConnError{Code: apiErr.Code, Message: apiErr.Message, Err: apiErr}
	}
	return parseLoginResult(respBody)
}

func parseLoginResult(body []byte) (*LoginResult, error) {
	var result LoginResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if result.UserID == "" || result.AccessToken == "" {
		return nil, &model.ConnError{Message: "registration response missing user_id or access_token"}
	}
	return &result, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// Logout invalidates the access token server-side.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/logout", nil, struct{}{}, nil); err != nil {
		return toDomainError("logout", err)
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID it belongs to.
// Used to probe a restored session before trusting it.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var result struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &result); err != nil {
		return "", toDomainError("whoami", err)
	}
	return result.UserID, nil
}

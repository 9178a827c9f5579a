package loadgen

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suspiciousleaf/chat-app/internal/codec"
)

const loginEndpoint = "/auth/token"

// FetchToken logs in with form-encoded credentials and returns the bearer
// token. One retry after a short pause covers a server that is still coming
// up when the ramp starts.
func FetchToken(baseURL, username, password string) (string, error) {
	token, err := fetchTokenOnce(baseURL, username, password)
	if err == nil {
		return token, nil
	}
	time.Sleep(2 * time.Second)
	return fetchTokenOnce(baseURL, username, password)
}

func fetchTokenOnce(baseURL, username, password string) (string, error) {
	resp, err := http.PostForm(baseURL+loginEndpoint, url.Values{
		"username": {username},
		"password": {password},
	})
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response: empty access_token")
	}
	return body.AccessToken, nil
}

// Client is a thin binary-frame websocket wrapper shared by virtual users
// and the monitor.
type Client struct {
	conn *websocket.Conn
}

// DialWS opens an authenticated websocket to the server.
func DialWS(wsBaseURL, token string) (*Client, error) {
	wsURL := strings.TrimSuffix(wsBaseURL, "/") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send encodes and writes one frame.
func (c *Client) Send(f *codec.Frame) error {
	b, err := codec.Encode(f)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Receive blocks for the next frame.
func (c *Client) Receive() (*codec.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

// Close sends a normal-closure frame and shuts the socket down.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// IsNormalClose reports whether err is the peer closing cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

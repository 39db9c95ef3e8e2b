package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"forked/internal/identity"
	"forked/internal/logging"
)

const (
	protocolVersion = 3

	agentTimeout = 120 * time.Second
	sendTimeout  = 30 * time.Second

	clientID      = "forked"
	clientMode    = "daemon"
	operatorRole  = "operator"
	clientVersion = "1.0.0"
)

var operatorScopes = []string{"operator.admin", "operator.write"}

// FailureKind classifies gateway call failures.
type FailureKind string

const (
	FailAuth      FailureKind = "auth_failed"
	FailRejected  FailureKind = "request_rejected"
	FailTransport FailureKind = "transport_error"
	FailTimeout   FailureKind = "timeout"
	FailClosed    FailureKind = "closed_unexpectedly"
)

// Error is a gateway call failure with its kind.
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func failure(kind FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Client opens single-use authenticated conversations with the gateway. Each
// call dials, handshakes, issues one request, collects the terminal response
// and closes the socket.
type Client struct {
	url    string
	token  string
	keeper *identity.Keeper
	logger logging.Logger

	// instanceID identifies this daemon across connects.
	instanceID string
}

// NewClient creates a gateway client for the configured endpoint.
func NewClient(url, token string, keeper *identity.Keeper, logger logging.Logger) *Client {
	return &Client{
		url:        url,
		token:      token,
		keeper:     keeper,
		logger:     logging.OrNop(logger),
		instanceID: uuid.NewString(),
	}
}

// frame is the gateway wire format: every message carries a type tag and,
// for requests and responses, a correlation id.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectParams struct {
	MinProtocol int                  `json:"minProtocol"`
	MaxProtocol int                  `json:"maxProtocol"`
	Client      connectClientInfo    `json:"client"`
	Role        string               `json:"role"`
	Scopes      []string             `json:"scopes"`
	Auth        connectAuth          `json:"auth"`
	Device      identity.AuthPayload `json:"device"`
}

type connectClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type agentParams struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	Timeout        int    `json:"timeout"`
}

type sendParams struct {
	Channel        string `json:"channel"`
	To             string `json:"to"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// RunAgent executes the agent with the given replay message and returns the
// terminal response payload. Deadline: 120 s.
func (c *Client) RunAgent(ctx context.Context, message, sessionKey string) (json.RawMessage, error) {
	params := agentParams{
		Message:        message,
		AgentID:        AgentIDFromSessionKey(sessionKey),
		SessionKey:     sessionKey,
		IdempotencyKey: uuid.NewString(),
		Timeout:        int(agentTimeout.Seconds()),
	}
	return c.call(ctx, "agent", params, agentTimeout)
}

// SendEcho publishes a message to a delivery channel. Deadline: 30 s.
func (c *Client) SendEcho(ctx context.Context, channel, to, message string) error {
	params := sendParams{
		Channel:        channel,
		To:             to,
		Message:        message,
		IdempotencyKey: uuid.NewString(),
	}
	_, err := c.call(ctx, "send", params, sendTimeout)
	return err
}

// AgentIDFromSessionKey extracts the agent id: the second segment of an
// "agent:"-prefixed session key, else "main".
func AgentIDFromSessionKey(sessionKey string) string {
	if strings.HasPrefix(sessionKey, "agent:") {
		parts := strings.Split(sessionKey, ":")
		if len(parts) >= 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return "main"
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(callCtx, c.url, nil)
	if err != nil {
		return nil, failure(FailTransport, "dial %s: %v", c.url, err)
	}
	defer func() { _ = conn.Close() }()

	// Cancellation closes the socket, which unblocks any pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-callCtx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := c.handshake(callCtx, conn); err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	if err := conn.WriteJSON(frame{Type: "req", ID: reqID, Method: method, Params: params}); err != nil {
		return nil, wrapTransport(callCtx, err)
	}

	return awaitResponse(callCtx, conn, reqID)
}

// handshake sends the connect request and validates its response.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	connectID := uuid.NewString()
	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClientInfo{
			ID:         clientID,
			Version:    clientVersion,
			Platform:   "cli",
			Mode:       clientMode,
			InstanceID: c.instanceID,
		},
		Role:   operatorRole,
		Scopes: operatorScopes,
		Auth:   connectAuth{Token: c.token},
		Device: c.keeper.SignAuthPayload(operatorScopes, operatorRole, ""),
	}

	if err := conn.WriteJSON(frame{Type: "req", ID: connectID, Method: "connect", Params: params}); err != nil {
		return wrapTransport(ctx, err)
	}

	if _, err := awaitResponse(ctx, conn, connectID); err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && gerr.Kind == FailRejected {
			return failure(FailAuth, "connect rejected: %s", gerr.Message)
		}
		return err
	}
	return nil
}

// awaitResponse reads frames until the res matching reqID arrives.
// Intermediate "accepted" responses and event frames are skipped.
func awaitResponse(ctx context.Context, conn *websocket.Conn, reqID string) (json.RawMessage, error) {
	for {
		var resp frame
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, wrapTransport(ctx, err)
		}

		if resp.Type == "event" {
			continue
		}
		if resp.Type != "res" || resp.ID != reqID {
			continue
		}

		if isAccepted(resp.Payload) {
			continue
		}

		if (resp.OK != nil && !*resp.OK) || len(resp.Error) > 0 {
			return nil, failure(FailRejected, "request rejected: %s", errorText(resp.Error))
		}
		return resp.Payload, nil
	}
}

// isAccepted reports whether a response payload is the intermediate
// {status:"accepted"} acknowledgement.
func isAccepted(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Status == "accepted"
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unspecified error"
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil && asObject.Message != "" {
		return asObject.Message
	}
	return string(raw)
}

func wrapTransport(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return failure(FailTimeout, "deadline exceeded: %v", ctx.Err())
	}
	if websocket.IsUnexpectedCloseError(err) {
		return failure(FailClosed, "connection closed: %v", err)
	}
	return failure(FailTransport, "%v", err)
}

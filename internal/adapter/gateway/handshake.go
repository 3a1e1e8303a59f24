package gateway

import (
	"encoding/json"
	"runtime"
	"time"
)

// Gateway protocol versions this client can speak.
const (
	protocolMin = 3
	protocolMax = 3
)

// challengePayload is the connect.challenge event payload.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ConnectParams is sent as the params of the "connect" request that answers
// a challenge.
type ConnectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Client      ClientIdentity  `json:"client"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Caps        []string        `json:"caps"`
	Commands    []string        `json:"commands"`
	Auth        *ConnectAuth    `json:"auth,omitempty"`
	Device      *DeviceIdentity `json:"device,omitempty"`
	Locale      string          `json:"locale,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
}

// ClientIdentity describes this client to the gateway.
type ClientIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// ConnectAuth carries the optional bearer token. Omitted entirely when no
// token is configured so the gateway sees an anonymous connect.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// DeviceIdentity echoes the challenge nonce back to the gateway.
type DeviceIdentity struct {
	Nonce string `json:"nonce"`
}

// Options configures a gateway client.
type Options struct {
	// URL is the WebSocket endpoint of the gateway.
	URL string

	// Token is the bearer token presented during the handshake.
	// Empty means anonymous.
	Token string

	// ReconnectDelay is the fixed delay between a connection loss and the
	// next dial attempt.
	ReconnectDelay time.Duration

	// CallTimeout bounds how long Call waits for a response before the
	// in-flight request fails with a timeout.
	CallTimeout time.Duration

	// HandshakeTimeout bounds the whole challenge/connect exchange after
	// the transport opens. A connection that is not ready in time is torn
	// down and retried.
	HandshakeTimeout time.Duration

	Client    ClientIdentity
	Role      string
	Scopes    []string
	Caps      []string
	Commands  []string
	Locale    string
	UserAgent string
}

// DefaultOptions returns options suitable for a local gateway.
func DefaultOptions() Options {
	return Options{
		URL:              "ws://127.0.0.1:18789/ws",
		ReconnectDelay:   2 * time.Second,
		CallTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Client: ClientIdentity{
			ID:          "clawdeck",
			DisplayName: "ClawDeck",
			Version:     "dev",
			Platform:    runtime.GOOS,
			Mode:        "cli",
		},
		Role:   "operator",
		Scopes: []string{"operator.admin"},
	}
}

// normalize fills zero values with defaults so a partially populated Options
// behaves predictably.
func (o *Options) normalize() {
	def := DefaultOptions()
	if o.URL == "" {
		o.URL = def.URL
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = def.CallTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.Client.ID == "" {
		o.Client.ID = def.Client.ID
	}
	if o.Client.Version == "" {
		o.Client.Version = def.Client.Version
	}
	if o.Client.Platform == "" {
		o.Client.Platform = def.Client.Platform
	}
	if o.Client.Mode == "" {
		o.Client.Mode = def.Client.Mode
	}
	if o.Role == "" {
		o.Role = def.Role
	}
	if o.Scopes == nil {
		o.Scopes = append([]string(nil), def.Scopes...)
	}
	if o.Caps == nil {
		o.Caps = []string{}
	}
	if o.Commands == nil {
		o.Commands = []string{}
	}
}

// connectParams builds the connect request answering a challenge nonce.
func (o *Options) connectParams(nonce string) ConnectParams {
	p := ConnectParams{
		MinProtocol: protocolMin,
		MaxProtocol: protocolMax,
		Client:      o.Client,
		Role:        o.Role,
		Scopes:      o.Scopes,
		Caps:        o.Caps,
		Commands:    o.Commands,
		Device:      &DeviceIdentity{Nonce: nonce},
		Locale:      o.Locale,
		UserAgent:   o.UserAgent,
	}
	if o.Token != "" {
		p.Auth = &ConnectAuth{Token: o.Token}
	}
	return p
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable params, which the connect
		// types never are.
		panic(err)
	}
	return b
}

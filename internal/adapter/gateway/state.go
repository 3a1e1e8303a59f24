package gateway

// ConnState is the lifecycle state of the gateway connection.
//
// Transitions move forward through the handshake (Disconnected, Connecting,
// AwaitingChallenge, Handshaking, Ready) and collapse back to Disconnected on
// any transport loss. Closing marks a connection being torn down after the
// gateway rejected the handshake.
type ConnState string

const (
	StateDisconnected      ConnState = "disconnected"
	StateConnecting        ConnState = "connecting"
	StateAwaitingChallenge ConnState = "awaiting_challenge"
	StateHandshaking       ConnState = "handshaking"
	StateReady             ConnState = "ready"
	StateClosing           ConnState = "closing"
)

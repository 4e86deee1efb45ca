package bus

import "time"

// Frame operations exchanged between Broker and Client.
const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
	opMsg   = "msg"
	opAck   = "ack"
	opErr   = "err"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 20 * time.Second
	readWait     = 3 * pingInterval
	maxFrameSize = 4 << 20
)

// frame is the JSON envelope on the websocket. ID correlates a request with
// its ack/err; Sub names the client-side subscription a msg is for.
type frame struct {
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	Sub     string `json:"sub,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

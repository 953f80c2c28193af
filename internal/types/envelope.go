package types

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON frame exchanged over the websocket in both directions.
// A frame sent with an Id is answered by an "ack" frame carrying the same Id.
type Envelope struct {
	Id        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Response  *Response       `json:"response,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"responseCode"`
	Error        string `json:"error,omitempty"`
}

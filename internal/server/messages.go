package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/taskchat/internal/types"
)

// ClientMessage is a frame read from a websocket connection.
type ClientMessage struct {
	types.Envelope
}

// ServerMessage is a frame queued for delivery to a connection.
type ServerMessage struct {
	types.Envelope
	SkipClient *Client `json:"-"`
}

// NewEvent builds a push frame for event with payload encoded as its data.
func NewEvent(event string, payload any) (*ServerMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &ServerMessage{
		Envelope: types.Envelope{
			Event:     event,
			Data:      data,
			Timestamp: Now(),
		},
	}, nil
}

func ack(id string, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		Envelope: types.Envelope{
			Id:        id,
			Event:     types.EventAck,
			Timestamp: Now(),
			Response: &types.Response{
				ResponseCode: code,
				Error:        errMsg,
			},
		},
	}

	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}

	return msg
}

func NoErrOK(id string, data any) *ServerMessage {
	return ack(id, http.StatusOK, "", data)
}

func NoErrAccepted(id string, data any) *ServerMessage {
	return ack(id, http.StatusAccepted, "", data)
}

func ErrInvalidMessage(id string) *ServerMessage {
	return ack(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrBadRequest(id, reason string) *ServerMessage {
	return ack(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id string) *ServerMessage {
	return ack(id, http.StatusForbidden, "forbidden", nil)
}

func ErrRoomNotFound(id string) *ServerMessage {
	return ack(id, http.StatusNotFound, "room not found", nil)
}

func ErrInternalError(id string) *ServerMessage {
	return ack(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id string) *ServerMessage {
	return ack(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

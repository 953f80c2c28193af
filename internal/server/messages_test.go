package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcks(t *testing.T) {
	tcases := []struct {
		name         string
		msg          *ServerMessage
		expectedCode int
		expectedErr  string
	}{
		{name: "ok", msg: NoErrOK("1", nil), expectedCode: http.StatusOK},
		{name: "accepted", msg: NoErrAccepted("1", nil), expectedCode: http.StatusAccepted},
		{name: "invalid message", msg: ErrInvalidMessage("1"), expectedCode: http.StatusBadRequest, expectedErr: "invalid message format"},
		{name: "bad request", msg: ErrBadRequest("1", "content too long"), expectedCode: http.StatusBadRequest, expectedErr: "content too long"},
		{name: "forbidden", msg: ErrForbidden("1"), expectedCode: http.StatusForbidden, expectedErr: "forbidden"},
		{name: "room not found", msg: ErrRoomNotFound("1"), expectedCode: http.StatusNotFound, expectedErr: "room not found"},
		{name: "internal error", msg: ErrInternalError("1"), expectedCode: http.StatusInternalServerError, expectedErr: "internal server error"},
		{name: "service unavailable", msg: ErrServiceUnavailable("1"), expectedCode: http.StatusServiceUnavailable, expectedErr: "service unavailable"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Response, "expected response to be set")
			assert.Equal(t, "1", tc.msg.Id, "expected id to be echoed")
			assert.Equal(t, types.EventAck, tc.msg.Event, "expected ack event")
			assert.Equal(t, tc.expectedCode, tc.msg.Response.ResponseCode, "unexpected response code")
			assert.Equal(t, tc.expectedErr, tc.msg.Response.Error, "unexpected error text")
			assert.WithinDuration(t, time.Now(), tc.msg.Timestamp, time.Second)
		})
	}
}

func TestNoErrOK_Data(t *testing.T) {
	msg := NoErrOK("7", map[string]string{"testkey": "testvalue"})
	assert.JSONEq(t, `{"testkey":"testvalue"}`, string(msg.Data), "expected data to be encoded")
}

func TestNewEvent(t *testing.T) {
	roomId := uuid.New()
	msg, err := NewEvent(types.EventMessageDeleted, types.MessageDeletedPayload{MessageId: roomId, RoomId: roomId})
	require.NoError(t, err)

	assert.Equal(t, types.EventMessageDeleted, msg.Event)
	assert.Empty(t, msg.Id, "expected push events to carry no id")
	assert.Nil(t, msg.Response)

	var payload types.MessageDeletedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, roomId, payload.RoomId)
}

func TestNewEvent_MarshalError(t *testing.T) {
	_, err := NewEvent(types.EventNewMessage, make(chan int))
	assert.Error(t, err, "expected unencodable payload to fail")
}

func TestServerMessage_JSON(t *testing.T) {
	msg := ErrForbidden("abc")
	msg.SkipClient = &Client{}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	expected := `{"id":"abc","event":"ack","timestamp":"` + msg.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"responseCode":403,"error":"forbidden"}}`
	assert.JSONEq(t, expected, string(raw), "expected skip client to stay off the wire")
}

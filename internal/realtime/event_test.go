package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	payload, err := EncodeEvent(EventMarkedRead, ReadState{NotificationID: "n-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"notification-marked-read","data":{"notification_id":"n-1"}}`, string(payload))

	payload, err = EncodeEvent(EventPong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(payload))
}

func TestParseNotificationID(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "string", data: `"n-1"`, want: "n-1"},
		{name: "object", data: `{"notification_id":"n-2"}`, want: "n-2"},
		{name: "trimmed", data: `"  n-3 "`, want: "n-3"},
		{name: "empty string", data: `""`, wantErr: true},
		{name: "empty object", data: `{}`, wantErr: true},
		{name: "number", data: `7`, wantErr: true},
		{name: "missing", data: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseNotificationID(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

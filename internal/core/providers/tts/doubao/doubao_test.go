package doubao

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/platform/config"
)

func buildAudioFrame(event int32, sessionID string, payload []byte) []byte {
	header := []byte{(1 << 4) | 1, (audioOnlyResponse << 4) | flagWithEvent, 0, 0}
	frame := append([]byte{}, header...)
	frame = appendInt32(frame, event)
	frame = appendInt32(frame, int32(len(sessionID)))
	frame = append(frame, sessionID...)
	frame = appendInt32(frame, int32(len(payload)))
	return append(frame, payload...)
}

func TestParseFrame_AudioPayload(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	frame := buildAudioFrame(eventTTSResponse, "sess-1", pcm)

	event, payload, err := parseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(eventTTSResponse), event)
	assert.Equal(t, pcm, payload)
}

func TestParseFrame_SessionFinished(t *testing.T) {
	header := []byte{(1 << 4) | 1, (fullServerResponse << 4) | flagWithEvent, 0, 0}
	frame := append([]byte{}, header...)
	frame = appendInt32(frame, eventSessionFinished)
	frame = appendInt32(frame, 6)
	frame = append(frame, "sess-1"...)
	frame = appendInt32(frame, 2)
	frame = append(frame, "{}"...)

	event, _, err := parseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(eventSessionFinished), event)
}

func TestParseFrame_ErrorFrame(t *testing.T) {
	header := []byte{(1 << 4) | 1, errorInformation << 4, 0, 0}
	frame := append([]byte{}, header...)
	frame = appendInt32(frame, 55000001)
	frame = appendInt32(frame, 4)
	frame = append(frame, "boom"...)

	_, _, err := parseFrame(frame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "55000001")
}

func TestParseFrame_TooShort(t *testing.T) {
	_, _, err := parseFrame([]byte{0x11, 0x94})
	assert.Error(t, err)
}

func TestAppendInt32(t *testing.T) {
	b := appendInt32(nil, 258)
	assert.Equal(t, uint32(258), binary.BigEndian.Uint32(b))
}

func TestNewProvider_RequiresCredentials(t *testing.T) {
	_, err := NewProvider(&config.TTSConfig{Type: "doubao"}, nil)
	assert.Error(t, err)
}

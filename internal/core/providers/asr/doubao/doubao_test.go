package doubao

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/platform/config"
)

func buildServerFrame(t *testing.T, payload map[string]interface{}, isLast bool) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	compressed := buf.Bytes()

	flags := uint8(0x01)
	if isLast {
		flags |= 0x02
	}
	header := []byte{(1 << 4) | 1, (serverFullResponse << 4) | flags, (jsonFormat << 4) | gzipCompression, 0}

	seq := make([]byte, 4)
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(compressed)))

	frame := append(header, seq...)
	frame = append(frame, size...)
	return append(frame, compressed...)
}

func TestParseFrame_Result(t *testing.T) {
	frame := buildServerFrame(t, map[string]interface{}{
		"result": map[string]interface{}{"text": "今天天气怎么样"},
	}, false)

	payload, isLast, err := parseFrame(frame)
	require.NoError(t, err)
	assert.False(t, isLast)

	result := payload["result"].(map[string]interface{})
	assert.Equal(t, "今天天气怎么样", result["text"])
}

func TestParseFrame_LastPackage(t *testing.T) {
	frame := buildServerFrame(t, map[string]interface{}{
		"result": map[string]interface{}{"text": "完整句子"},
	}, true)

	_, isLast, err := parseFrame(frame)
	require.NoError(t, err)
	assert.True(t, isLast)
}

func TestParseFrame_TooShort(t *testing.T) {
	_, _, err := parseFrame([]byte{0x11})
	assert.Error(t, err)
}

func TestParseFrame_ErrorFrame(t *testing.T) {
	header := []byte{(1 << 4) | 1, serverErrorResponse << 4, gzipCompression, 0}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[:4], 45000081)

	_, _, err := parseFrame(append(header, body...))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "45000081")
}

func TestBuildFrame_Layout(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame := buildFrame(clientAudioRequest, negSequence, noSerialization, payload)

	require.Len(t, frame, 8+len(payload))
	assert.Equal(t, byte((1<<4)|1), frame[0])
	assert.Equal(t, byte((clientAudioRequest<<4)|negSequence), frame[1])
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(frame[4:8]))
}

func TestNewProvider_RequiresCredentials(t *testing.T) {
	_, err := NewProvider(&config.ASRConfig{Type: "doubao"}, nil)
	assert.Error(t, err)
}

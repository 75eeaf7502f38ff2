package audio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesInt16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256}
	assert.Equal(t, samples, BytesToInt16(Int16ToBytes(samples)))
}

func TestBytesToInt16_OddTail(t *testing.T) {
	assert.Len(t, BytesToInt16([]byte{1, 2, 3}), 1)
}

func TestResamplePCM_SameRate(t *testing.T) {
	input := []int16{100, 200, 300, 400, 500}
	assert.Equal(t, input, ResamplePCM(input, 24000, 24000))
}

func TestResamplePCM_EmptyInput(t *testing.T) {
	assert.Empty(t, ResamplePCM([]int16{}, 24000, 48000))
}

func TestResamplePCM_Upsample(t *testing.T) {
	result := ResamplePCM([]int16{0, 1000, 2000, 3000}, 16000, 32000)
	assert.Equal(t, 8, len(result))
}

func TestResamplePCM_Downsample(t *testing.T) {
	input := make([]int16, 100)
	for i := range input {
		input[i] = int16(i * 10)
	}
	result := ResamplePCM(input, 48000, 16000)
	require.NotEmpty(t, result)
	assert.InDelta(t, len(input)/3, len(result), 1)
}

func TestStereoToMono(t *testing.T) {
	mono := StereoToMono([]int16{100, 300, -100, -300})
	assert.Equal(t, []int16{200, -200}, mono)
}

func TestWavRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wav")
	pcm := Int16ToBytes([]int16{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, WritePCMToWavFile(path, pcm, 16000, 1))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(44+len(pcm)), info.Size())

	read, err := ReadPCMDataFromWavFile(path)
	require.NoError(t, err)
	assert.Equal(t, pcm, read)
}

func TestReadPCMDataFromWavFile_NotExist(t *testing.T) {
	result, err := ReadPCMDataFromWavFile("/not/exist/file.wav")
	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestReadPCMDataFromWavFile_NotWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	_, err := ReadPCMDataFromWavFile(path)
	assert.Error(t, err)
}

func TestMP3ToPCM_InvalidData(t *testing.T) {
	result, err := MP3ToPCM([]byte("not an mp3"), 16000)
	assert.Error(t, err)
	assert.Nil(t, result)
}

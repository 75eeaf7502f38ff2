package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"echolink-server/internal/platform/config"
)

type fakeClassifier struct {
	label string
	err   error
	calls int
}

func (f *fakeClassifier) Initialize() error { return nil }
func (f *fakeClassifier) Cleanup() error    { return nil }

func (f *fakeClassifier) Classify(ctx context.Context, text string) (string, error) {
	f.calls++
	return f.label, f.err
}

func testSystem() config.SystemConfig {
	return config.SystemConfig{
		CMDExit:   []string{"退出", "再见", "拜拜"},
		WakeWords: []string{"小智"},
	}
}

func TestExitMatchIgnoresPunctuation(t *testing.T) {
	f := NewFilter(testSystem(), nil, nil)
	assert.Equal(t, KindExit, f.Match(context.Background(), "再见！").Kind)
	assert.Equal(t, KindExit, f.Match(context.Background(), "拜拜。").Kind)
	assert.Equal(t, KindNone, f.Match(context.Background(), "再见过他一次").Kind)
}

func TestWakeWordMatch(t *testing.T) {
	f := NewFilter(testSystem(), nil, nil)
	assert.Equal(t, KindWakeWord, f.Match(context.Background(), "小智").Kind)
	assert.Equal(t, KindNone, f.Match(context.Background(), "小智帮我查天气").Kind)
}

func TestMusicPatterns(t *testing.T) {
	f := NewFilter(testSystem(), nil, nil)

	m := f.Match(context.Background(), "播放静夜思")
	assert.Equal(t, KindPlayMusic, m.Kind)
	assert.Equal(t, "静夜思", m.Argument)

	m = f.Match(context.Background(), "来一首周杰伦的歌")
	assert.Equal(t, KindPlayMusic, m.Kind)
	assert.Equal(t, "周杰伦", m.Argument)

	// 泛指词当作随机播放
	m = f.Match(context.Background(), "播放音乐")
	assert.Equal(t, KindPlayMusic, m.Kind)
	assert.Empty(t, m.Argument)
}

func TestStoryPattern(t *testing.T) {
	f := NewFilter(testSystem(), nil, nil)

	m := f.Match(context.Background(), "讲个故事")
	assert.Equal(t, KindPlayStory, m.Kind)
	assert.Empty(t, m.Argument)

	m = f.Match(context.Background(), "讲一个小红帽的故事")
	assert.Equal(t, KindPlayStory, m.Kind)
	assert.Equal(t, "小红帽", m.Argument)
}

func TestClassifierOnlyRunsOnMiss(t *testing.T) {
	c := &fakeClassifier{label: "end_chat"}
	f := NewFilter(testSystem(), c, nil)

	// 规则命中不触发分类器
	f.Match(context.Background(), "再见")
	assert.Zero(t, c.calls)

	m := f.Match(context.Background(), "我先去忙了改天聊")
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, KindExit, m.Kind)
}

func TestClassifierFailureMeansNoMatch(t *testing.T) {
	c := &fakeClassifier{err: assert.AnError}
	f := NewFilter(testSystem(), c, nil)
	assert.Equal(t, KindNone, f.Match(context.Background(), "随便聊聊").Kind)
}

func TestEmptyTextNoMatch(t *testing.T) {
	f := NewFilter(testSystem(), nil, nil)
	assert.Equal(t, KindNone, f.Match(context.Background(), "  ").Kind)
}

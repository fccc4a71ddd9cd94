package pipeline

import (
	"testing"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/queue"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"01:02:03.5", 3723.5},
		{"00:00:10", 10},
		{"1:00:00", 3600},
		{"00:59:59.99", 3599.99},
		{"", 0},
		{"  ", 0},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err, c.in)
		require.InDelta(t, c.want, got, 1e-9, c.in)
	}

	for _, bad := range []string{"10", "00:10", "a:00:00", "00:b:00", "00:00:c", "-1:00:00", "1:2:3:4"} {
		_, err := ParseDuration(bad)
		require.ErrorIs(t, err, apperr.ErrValidation, bad)
	}
}

func TestFormatDuration_RoundTrips(t *testing.T) {
	require.Equal(t, "01:02:03.50", FormatDuration(3723500*time.Millisecond))
	require.Equal(t, "00:00:00.00", FormatDuration(0))
	require.Equal(t, "00:00:00.00", FormatDuration(-time.Second))

	for _, d := range []time.Duration{10 * time.Second, 3723500 * time.Millisecond, 5*time.Hour + 250*time.Millisecond} {
		got, err := ParseDuration(FormatDuration(d))
		require.NoError(t, err)
		require.InDelta(t, d.Seconds(), got, 0.01)
	}
}

func TestPollDelay(t *testing.T) {
	require.Equal(t, 30*time.Second, PollDelay(0))
	require.Equal(t, 31*time.Second, PollDelay(10))
	require.Equal(t, 650*time.Second, PollDelay(3723.5))
	require.Equal(t, 30*time.Second, PollDelay(-5))

	// Long videos exceed the transport bound and are clamped when sent.
	long := PollDelay(10 * 3600)
	require.Equal(t, 6030*time.Second, long)
	require.Equal(t, 900*time.Second, queue.ClampDelay(long))

	for _, secs := range []float64{0, 59, 600, 3600, 5399, 5400, 86400} {
		require.LessOrEqual(t, queue.ClampDelay(PollDelay(secs)), 900*time.Second)
	}
}

func TestDecodeTranscribe_InfersPhase(t *testing.T) {
	m, err := decodeTranscribe([]byte(`{"id":"t1","object_name":"tmp/video/t1","duration":"00:00:10"}`))
	require.NoError(t, err)
	require.Equal(t, PhaseNotStarted, m.Phase)

	m, err = decodeTranscribe([]byte(`{"id":"t1","object_name":"tmp/video/t1","duration":"00:00:10","operation_id":"op"}`))
	require.NoError(t, err)
	require.Equal(t, PhaseStarted, m.Phase)
	require.Equal(t, "op", m.OperationID)

	m, err = decodeTranscribe([]byte(`{"id":"t1","phase":"started","operation_id":"op","polls":3,"elapsed_seconds":90}`))
	require.NoError(t, err)
	require.Equal(t, PhaseStarted, m.Phase)
	require.Equal(t, 3, m.Polls)
	require.Equal(t, int64(90), m.ElapsedSeconds)

	for raw, want := range map[string]Phase{
		`{"id":"t1","phase":"done","operation_id":"op"}`:   PhaseStarted,
		`{"id":"t1","phase":"done"}`:                       PhaseNotStarted,
		`{"id":"t1","phase":"started"}`:                    PhaseNotStarted,
		`{"id":"t1","phase":"paused","operation_id":"op"}`: Phase("paused"),
	} {
		m, err = decodeTranscribe([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, want, m.Phase, raw)
	}

	_, err = decodeTranscribe([]byte(`not json`))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMessageID(t *testing.T) {
	require.Equal(t, "download:t1", messageID(StageDownload, DownloadMessage{ID: "t1"}))
	require.Equal(t, "render:t1", messageID(StageRender, RenderMessage{ID: "t1"}))
	require.Equal(t, "fail:t1", messageID(StageFail, FailMessage{ID: "t1"}))
	require.Equal(t, "transcribe:t1:0", messageID(StageTranscribe, TranscribeMessage{ID: "t1"}))
	require.Equal(t, "transcribe:t1:4", messageID(StageTranscribe, TranscribeMessage{ID: "t1", Polls: 4}))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "advance", KindAdvance.String())
	require.Equal(t, "requeue", KindRequeue.String())
	require.Equal(t, "fail", KindFail.String())
	require.Equal(t, "complete", KindComplete.String())
	require.Equal(t, "kind(9)", Kind(9).String())
}

package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/bytedance/sonic"
)

// Message is a stage payload. Every message carries the task id.
type Message interface {
	TaskID() string
}

type DownloadMessage struct {
	ID       string `json:"id"`
	VideoURL string `json:"video_url"`
}

func (m DownloadMessage) TaskID() string { return m.ID }

// Phase is the recognition progress carried by a TranscribeMessage.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseStarted    Phase = "started"
	// PhaseDone means the summary was retrieved. It never goes on the wire;
	// a decoded "done" message polls again since the summary is not carried.
	PhaseDone Phase = "done"
)

type TranscribeMessage struct {
	ID         string `json:"id"`
	ObjectName string `json:"object_name"`
	// Duration is the declared video length as H:MM:SS[.ff].
	Duration    string `json:"duration"`
	Phase       Phase  `json:"phase,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	// ElapsedSeconds sums the delays of earlier polls.
	ElapsedSeconds int64 `json:"elapsed_seconds,omitempty"`
	Polls          int   `json:"polls,omitempty"`
}

func (m TranscribeMessage) TaskID() string { return m.ID }

type RenderMessage struct {
	ID         string `json:"id"`
	ObjectName string `json:"object_name"`
}

func (m RenderMessage) TaskID() string { return m.ID }

type FailMessage struct {
	ID string `json:"id"`
}

func (m FailMessage) TaskID() string { return m.ID }

// messageID is the deterministic queue id for publishing msg to stage. A
// redelivered message that publishes again gets the same id and is
// de-duplicated by the transport.
func messageID(stage string, msg Message) string {
	if tm, ok := msg.(TranscribeMessage); ok {
		return fmt.Sprintf("%s:%s:%d", stage, tm.ID, tm.Polls)
	}
	return stage + ":" + msg.TaskID()
}

func decode(payload []byte, v any) error {
	if err := sonic.Unmarshal(payload, v); err != nil {
		return apperr.Wrap(apperr.ErrValidation, "pipeline", "decode message", err)
	}
	return nil
}

func decodeTranscribe(payload []byte) (TranscribeMessage, error) {
	var m TranscribeMessage
	if err := decode(payload, &m); err != nil {
		return m, err
	}
	switch {
	case m.OperationID == "" && (m.Phase == "" || m.Phase == PhaseStarted || m.Phase == PhaseDone):
		m.Phase = PhaseNotStarted
	case m.Phase == "" || m.Phase == PhaseDone:
		m.Phase = PhaseStarted
	}
	return m, nil
}

// ParseDuration converts "H:MM:SS[.ff]" into seconds. An empty string is zero.
func ParseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, apperr.Wrap(apperr.ErrValidation, "pipeline", "parse duration", fmt.Errorf("%q: want H:MM:SS", s))
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrValidation, "pipeline", "parse duration", err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrValidation, "pipeline", "parse duration", err)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrValidation, "pipeline", "parse duration", err)
	}
	if h < 0 || m < 0 || sec < 0 {
		return 0, apperr.Wrap(apperr.ErrValidation, "pipeline", "parse duration", fmt.Errorf("%q: negative component", s))
	}
	return float64(h*3600+m*60) + sec, nil
}

// FormatDuration renders d as HH:MM:SS.ff.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := d.Seconds()
	h := int(total) / 3600
	m := (int(total) % 3600) / 60
	s := total - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%05.2f", h, m, s)
}

// PollDelay is the wait between recognition polls for a video of the given
// length: a sixth of the duration plus 30 seconds. The transport caps it.
func PollDelay(seconds float64) time.Duration {
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(math.Floor(seconds/6)+30) * time.Second
}

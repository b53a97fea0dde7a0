package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data streamed from a remote microphone.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AudioOpenRequest asks a remote microphone to start streaming frames.
type AudioOpenRequest struct {
	SessionID  string `json:"session_id"`
	Device     string `json:"device"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// AudioOpenReply is the device's answer to AudioOpenRequest.
type AudioOpenReply struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"` // permission_denied, unavailable
	Error   string `json:"error,omitempty"`
}

// AudioClose asks the device to send its final frame and stop.
type AudioClose struct {
	SessionID string `json:"session_id"`
}

const (
	ReasonPermissionDenied = "permission_denied"
	ReasonUnavailable      = "unavailable"
)

// AudioChunk carries synthesized reference speech.
type AudioChunk struct {
	SessionID  string  `json:"session_id"`
	Voice      string  `json:"voice,omitempty"`
	Lang       string  `json:"lang,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Sequence   int     `json:"sequence"`
	PCM        []byte  `json:"pcm"`
	Final      bool    `json:"final"`
}

// VerdictEvent is broadcast once per judged attempt.
type VerdictEvent struct {
	Attempt    uint64    `json:"attempt"`
	QuestionID string    `json:"question_id,omitempty"`
	Reference  string    `json:"reference"`
	Hypothesis string    `json:"hypothesis"`
	Correct    bool      `json:"correct"`
	Timestamp  time.Time `json:"timestamp"`
}

// CommandRequest is the body of a repeat.cmd.* request. Only level uses Level.
type CommandRequest struct {
	Level string `json:"level,omitempty"`
}

// CommandReply answers every repeat.cmd.* request with the resulting state.
type CommandReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

const (
	SubjectAudioOpenPrefix  = "repeat.audio.open"
	SubjectAudioFramePrefix = "repeat.audio.frame"
	SubjectAudioClosePrefix = "repeat.audio.close"

	SubjectTTSAudio = "repeat.tts.audio"
	SubjectState    = "repeat.state"
	SubjectVerdict  = "repeat.verdict"

	SubjectCommandGenerate = "repeat.cmd.generate"
	SubjectCommandRecord   = "repeat.cmd.record"
	SubjectCommandPlay     = "repeat.cmd.play"
	SubjectCommandLevel    = "repeat.cmd.level"
	SubjectCommandState    = "repeat.cmd.state"
	SubjectCommandReload   = "repeat.cmd.reload"
)

package protocol

// server -> client
const (
	TypeSessionInitAck  = "session_init_ack"
	TypeTranscription   = "transcription"
	TypeEmotionAnalysis = "emotion_analysis"
	TypeStatus          = "status"
	TypeCompleteAck     = "complete_ack"
	TypePong            = "pong"
	TypeError           = "error"
)

// Result statuses carried by transcription and emotion events.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
	StatusBuffered    = "buffered"
	StatusSkipped     = "skipped"
)

// Error codes of error records.
const (
	CodeMalformed     = "malformed"
	CodeNotAccepted   = "not_accepted"
	CodeDuplicate     = "duplicate"
	CodeBufferFull    = "buffer_full"
	CodeStorage       = "storage_error"
	CodeSessionClosed = "session_closed"
	CodeInternal      = "internal"
)

type SessionInitAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type Transcription struct {
	Type       string `json:"type"`
	Seq        uint64 `json:"seq"`
	ChunkIndex int64  `json:"chunk_index"`
	QuestionID *int64 `json:"question_id,omitempty"`
	Text       string `json:"text"`
	Status     string `json:"status"`
}

type EmotionAnalysis struct {
	Type       string  `json:"type"`
	Seq        uint64  `json:"seq"`
	FrameIndex int64   `json:"frame_index"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
}

type Status struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Modality string `json:"modality,omitempty"`
	Index    *int64 `json:"index,omitempty"`
}

type CompleteAck struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	AnalysisQueued   bool   `json:"analysis_queued"`
	AlreadyCompleted bool   `json:"already_completed"`
}

type Pong struct {
	Type string `json:"type"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

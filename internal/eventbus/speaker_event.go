package eventbus

import "time"

type SpeakerEventType string

const (
	SpeakerEventUploaded          SpeakerEventType = "Uploaded"
	SpeakerEventTrainingSucceeded SpeakerEventType = "TrainingSucceeded"
	SpeakerEventTrainingFailed    SpeakerEventType = "TrainingFailed"
)

type SpeakerEvent struct {
	Type         SpeakerEventType
	Speaker      string
	MessageCount int
	StoredPath   string
	OutputDir    string
	RunID        string
	RunStatus    string
	ErrorKind    string
	Error        string
	At           time.Time
}

type SpeakerEventHandler = Handler[SpeakerEvent]
type SpeakerEventBus = Bus[SpeakerEventType, SpeakerEvent]

func NewSpeakerEventBus() *SpeakerEventBus {
	return NewBus(func(e SpeakerEvent) SpeakerEventType { return e.Type })
}

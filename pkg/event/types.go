package event

import "time"

// SourceKind identifies what produced a message.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceElement
	SourcePeripheral
)

func (k SourceKind) String() string {
	switch k {
	case SourceElement:
		return "element"
	case SourcePeripheral:
		return "peripheral"
	default:
		return "unknown"
	}
}

// Command is the message kind.
type Command int

const (
	CmdNone Command = iota
	CmdReportStatus
	CmdReportMusicInfo
	CmdReportCodecFmt
	CmdReportPosition
)

// CmdPeripheralBase is the first command value available to peripherals.
const CmdPeripheralBase Command = 1000

func (c Command) String() string {
	switch c {
	case CmdNone:
		return "none"
	case CmdReportStatus:
		return "report_status"
	case CmdReportMusicInfo:
		return "report_music_info"
	case CmdReportCodecFmt:
		return "report_codec_fmt"
	case CmdReportPosition:
		return "report_position"
	default:
		if c >= CmdPeripheralBase {
			return "peripheral"
		}
		return "unknown"
	}
}

// Status is carried by CmdReportStatus messages.
type Status int

const (
	StatusNone Status = iota
	StatusErrorOpen
	StatusErrorInput
	StatusErrorProcess
	StatusErrorOutput
	StatusErrorClose
	StatusErrorTimeout
	StatusErrorUnknown
	StatusInputDone
	StatusInputBuffering
	StatusOutputDone
	StatusOutputBuffering
	StatusStateRunning
	StatusStatePaused
	StatusStateStopped
	StatusStateFinished
)

var statusNames = map[Status]string{
	StatusNone:            "none",
	StatusErrorOpen:       "error_open",
	StatusErrorInput:      "error_input",
	StatusErrorProcess:    "error_process",
	StatusErrorOutput:     "error_output",
	StatusErrorClose:      "error_close",
	StatusErrorTimeout:    "error_timeout",
	StatusErrorUnknown:    "error_unknown",
	StatusInputDone:       "input_done",
	StatusInputBuffering:  "input_buffering",
	StatusOutputDone:      "output_done",
	StatusOutputBuffering: "output_buffering",
	StatusStateRunning:    "state_running",
	StatusStatePaused:     "state_paused",
	StatusStateStopped:    "state_stopped",
	StatusStateFinished:   "state_finished",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsError reports whether s is one of the error statuses.
func (s Status) IsError() bool {
	return s >= StatusErrorOpen && s <= StatusErrorUnknown
}

// Message is one notification travelling over a Bus.
type Message struct {
	Source     Source
	SourceID   string
	SourceKind SourceKind
	Cmd        Command
	Status     Status
	Payload    []byte
	Data       interface{}
	Err        error
	Time       time.Time
}

// Len returns the payload size.
func (m Message) Len() int {
	return len(m.Payload)
}

// IsError reports whether the message belongs to the error class, which the
// bus never drops.
func (m Message) IsError() bool {
	return m.Err != nil || m.Status.IsError()
}

// From reports whether src produced m.
func (m Message) From(src Source) bool {
	return src != nil && m.Source == src
}

package protocol

import (
	"assay/internal/pipeline"
)

// Kind enumerates every request a worker can send. The set is closed; the
// router matches all kinds exhaustively and treats anything else as a fatal
// protocol fault.
type Kind string

const (
	KindPipelinePreferences Kind = "pipeline_preferences"
	KindInitialMeasurements Kind = "initial_measurements"
	KindWork                Kind = "work"
	KindImageSetSuccess     Kind = "image_set_success"
	KindSharedDictionary    Kind = "shared_dictionary"
	KindMeasurementsReport  Kind = "measurements_report"
	KindInteraction         Kind = "interaction"
	KindDisplay             Kind = "display"
	KindException           Kind = "exception"
	KindDebugWaiting        Kind = "debug_waiting"
	KindDebugComplete       Kind = "debug_complete"
)

// Kinds returns every request kind.
func Kinds() []Kind {
	return []Kind{
		KindPipelinePreferences,
		KindInitialMeasurements,
		KindWork,
		KindImageSetSuccess,
		KindSharedDictionary,
		KindMeasurementsReport,
		KindInteraction,
		KindDisplay,
		KindException,
		KindDebugWaiting,
		KindDebugComplete,
	}
}

// Forwarded reports whether requests of kind k are passed verbatim to the
// event sink, which then owns the reply.
func (k Kind) Forwarded() bool {
	switch k {
	case KindInteraction, KindDisplay, KindException, KindDebugWaiting, KindDebugComplete:
		return true
	default:
		return false
	}
}

// Envelope carries one worker request. Which fields are populated depends on
// the Kind; unused fields stay zero.
type Envelope struct {
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`

	// ImageSetNumbers names the unit of work for success and measurement
	// reports.
	ImageSetNumbers []int `json:"image_set_numbers,omitempty"`

	// Buf is the serialized partial-result payload of a measurements report.
	Buf []byte `json:"buf,omitempty"`

	// Dictionaries carries shared per-stage state on the first completion.
	Dictionaries    pipeline.Dictionaries `json:"dictionaries,omitempty"`
	HasDictionaries bool                  `json:"has_dictionaries,omitempty"`

	// Detail carries kind-specific fields of forwarded requests, for example
	// an exception's module, message, and traceback, or a debug port.
	Detail map[string]string `json:"detail,omitempty"`
}

// Reply shapes. Every request kind resolves to exactly one of these.

// PipelinePreferencesReply carries the run's pipeline snapshot and ambient
// preference settings.
type PipelinePreferencesReply struct {
	PipelineBlob []byte               `json:"pipeline_blob"`
	Preferences  pipeline.Preferences `json:"preferences,omitempty"`
}

// InitialMeasurementsReply carries the initial-measurements payload given at
// run start.
type InitialMeasurementsReply struct {
	Buf []byte `json:"buf"`
}

// WorkReply answers a work request. NoWork true means the queue was empty and
// the worker should poll again; it is not an error.
type WorkReply struct {
	NoWork              bool  `json:"no_work,omitempty"`
	ImageSetNumbers     []int `json:"image_set_numbers,omitempty"`
	WorkerRunsPostGroup bool  `json:"worker_runs_post_group,omitempty"`
	WantsDictionary     bool  `json:"wants_dictionary,omitempty"`
}

// SharedDictionaryReply carries the current shared-dictionary snapshot.
type SharedDictionaryReply struct {
	Dictionaries pipeline.Dictionaries `json:"dictionaries"`
}

// Ack acknowledges successes and measurement reports.
type Ack struct {
	Message string `json:"message,omitempty"`
}

// SinkReply is produced by the event sink for forwarded requests. Its fields
// are opaque to the coordinator.
type SinkReply struct {
	Fields map[string]string `json:"fields,omitempty"`
}

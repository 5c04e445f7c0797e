// Package progress carries stage/percentage/message events from the
// pipeline to whatever renders them. Events are observational only: a sink
// never influences control flow.
package progress

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Stage names shared by the pipeline components
const (
	StageInit           = "initialization"
	StageProcessing     = "processing"
	StagePDF            = "pdf_processing"
	StageImage          = "image_processing"
	StageTextExtraction = "text_extraction"
	StageOCR            = "ocr_processing"
	StageAnalysis       = "gpt_analysis"
	StageProgress       = "progress"
	StageMatch          = "match"
	StageSummary        = "summary"
	StageUnmatched      = "unmatched"
	StageComplete       = "complete"
	StageReport         = "report"
	StageError          = "error"
)

// Event is one progress record
type Event struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	Data     any     `json:"data,omitempty"`
}

// Sink receives progress events
type Sink interface {
	Emit(Event)
}

// Emit sends an event to sink, tolerating a nil sink
func Emit(sink Sink, stage string, pct float64, message string, data any) {
	if sink == nil {
		return
	}
	sink.Emit(Event{Stage: stage, Progress: pct, Message: message, Data: data})
}

// Writer writes events as newline-delimited JSON. It is safe for concurrent
// use; the mutex is the single point that orders events from all workers.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates a Writer on w
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Emit writes the event as one JSON line
func (w *Writer) Emit(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(e); err != nil {
		slog.Warn("Failed to write progress event", "stage", e.Stage, "error", err)
	}
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the stage of every recorded event, in order
func (r *Recorder) Stages() []string {
	events := r.Events()
	stages := make([]string, len(events))
	for i, e := range events {
		stages[i] = e.Stage
	}
	return stages
}

// Func adapts a function to a Sink
type Func func(Event)

// Emit calls f
func (f Func) Emit(e Event) {
	f(e)
}

// Discard drops every event
var Discard Sink = Func(func(Event) {})

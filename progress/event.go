package progress

import (
	"errors"
	"time"
)

// Event is one epoch's metric values for a training run.
type Event struct {
	RunID   string             `json:"run_id"`
	Chunk   int                `json:"chunk"`
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
	At      time.Time          `json:"at"`
}

// Sink receives training progress events.
type Sink interface {
	Record(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Record(e Event) error { return f(e) }

type multiSink []Sink

// Multi fans an event out to every non-nil sink. All sinks are tried; their
// errors are joined.
func Multi(sinks ...Sink) Sink {
	var m multiSink
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multiSink) Record(e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package flowmesh implements a declarative, message-driven process
// orchestration runtime: a Pregel-style engine that executes a graph of
// user-defined steps connected by event-driven edges.
package flowmesh

import (
	"errors"
	"fmt"
)

// Sentinel errors for process construction.
var (
	// ErrNoEntryPoint indicates a process has no steps reachable from any
	// external edge.
	ErrNoEntryPoint = errors.New("flowmesh: process has no reachable entry edge")

	// ErrStepNotFound indicates an edge references a step that isn't
	// declared on the process.
	ErrStepNotFound = errors.New("flowmesh: step not found")

	// ErrFunctionNotFound indicates a message names an entry point the
	// destination step doesn't expose.
	ErrFunctionNotFound = errors.New("flowmesh: entry point not found")

	// ErrUnknownStepType indicates a StepInfo.InnerStepType the registry
	// has no factory for.
	ErrUnknownStepType = errors.New("flowmesh: unknown step type")

	// ErrCyclicSubProcess indicates a sub-process step nests its own
	// process id, which would recurse forever.
	ErrCyclicSubProcess = errors.New("flowmesh: sub-process nests its own process id")
)

// Sentinel errors for execution.
var (
	// ErrMaxSupersteps indicates the superstep loop exceeded its configured
	// bound without reaching quiescence or the end sentinel.
	ErrMaxSupersteps = errors.New("flowmesh: exceeded maximum supersteps")

	// ErrNilContext indicates a nil context.Context was supplied.
	ErrNilContext = errors.New("flowmesh: context cannot be nil")
)

// StepError wraps an error raised by user step code with the step and
// entry-point that raised it.
type StepError struct {
	StepID       string
	FunctionName string
	Err          error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("flowmesh: step %s.%s: %v", e.StepID, e.FunctionName, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PanicError wraps a recovered panic from user step code.
type PanicError struct {
	StepID       string
	FunctionName string
	Recovered    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("flowmesh: step %s.%s panicked: %v", e.StepID, e.FunctionName, e.Recovered)
}

// RoutingError wraps a dispatch-time failure: unknown destination, unknown
// function, or a malformed message. Per the error-handling design these are
// never fatal to the orchestrator; they are surfaced as OnError events.
type RoutingError struct {
	Message StepMessage
	Err     error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("flowmesh: routing %s.%s: %v", e.Message.DestinationID, e.Message.FunctionName, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// EdgeGroupError wraps a failure accumulating or releasing an AllOf join.
type EdgeGroupError struct {
	GroupID string
	StepID  string
	Err     error
}

func (e *EdgeGroupError) Error() string {
	return fmt.Sprintf("flowmesh: edge group %s at step %s: %v", e.GroupID, e.StepID, e.Err)
}

func (e *EdgeGroupError) Unwrap() error { return e.Err }

// StorageError wraps a failure from the storage manager. Per the design,
// storage errors are non-fatal to a running process: callers log and
// proceed as if the key were absent (read) or the write were a no-op.
type StorageError struct {
	Op     string
	StepID string
	RunID  string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("flowmesh: storage %s for %s/%s: %v", e.Op, e.StepID, e.RunID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// MaxSuperstepsError is returned by ExecuteOnce when the superstep bound is
// reached without the process quiescing or hitting the end sentinel.
type MaxSuperstepsError struct {
	Bound int
}

func (e *MaxSuperstepsError) Error() string {
	return fmt.Sprintf("flowmesh: exceeded %d supersteps", e.Bound)
}

func (e *MaxSuperstepsError) Unwrap() error { return ErrMaxSupersteps }

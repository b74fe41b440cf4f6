package stage

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// Name identifies a pipeline stage.
type Name string

const (
	Translator Name = "translator"
	Analyzer   Name = "analyzer"
	Merger     Name = "merger"
)

var order = []Name{Translator, Analyzer, Merger}

// Order returns the fixed stage sequence.
func Order() []Name {
	return append([]Name(nil), order...)
}

// Valid reports whether n is one of the three stages.
func (n Name) Valid() bool {
	switch n {
	case Translator, Analyzer, Merger:
		return true
	}
	return false
}

// ParseName validates a stage name from user input.
func ParseName(s string) (Name, error) {
	if err := utils.ValidateStageName(s); err != nil {
		return "", err
	}
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return n, nil
}

// Reporter publishes progress for the stage it is bound to.
type Reporter interface {
	Progress(message string, data map[string]interface{})
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(message string, data map[string]interface{})

func (f ReporterFunc) Progress(message string, data map[string]interface{}) {
	f(message, data)
}

type discard struct{}

func (discard) Progress(string, map[string]interface{}) {}

// Input is what a collaborator is invoked with. Every map is a private deep
// copy, so a collaborator cannot change what it did not produce.
type Input struct {
	RunID      id.RunID
	Stage      Name
	Diagnostic bool
	Params     map[string]interface{}
	Upstream   map[Name]map[string]interface{}
	Reporter   Reporter
}

// NewInput builds an Input, deep-copying params and upstream outputs.
func NewInput(runID id.RunID, stage Name, params map[string]interface{}, upstream map[Name]map[string]interface{}, reporter Reporter) Input {
	up := make(map[Name]map[string]interface{}, len(upstream))
	for k, v := range upstream {
		up[k] = utils.CloneMap(v)
	}
	if reporter == nil {
		reporter = discard{}
	}
	return Input{
		RunID:      runID,
		Stage:      stage,
		Diagnostic: runID.IsDiagnostic(),
		Params:     utils.CloneMap(params),
		Upstream:   up,
		Reporter:   reporter,
	}
}

// Result is a collaborator's explicit completion signal.
type Result struct {
	OK      bool                   `json:"ok"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// Success reports completion with outputs.
func Success(outputs map[string]interface{}) Result {
	return Result{OK: true, Outputs: outputs}
}

// Failure reports that the stage did not complete.
func Failure(format string, args ...interface{}) Result {
	reason := format
	if len(args) > 0 {
		reason = fmt.Sprintf(format, args...)
	}
	if reason == "" {
		reason = "stage reported failure without a reason"
	}
	return Result{Reason: reason}
}

// Collaborator is an external stage. Invoke blocks until the stage finishes
// and must return exactly one Result. Invoke must stop promptly once ctx is
// done: the run has already failed by then and the next run may start while
// an invocation that ignores ctx is still working.
type Collaborator interface {
	Name() Name
	Invoke(ctx context.Context, in Input) Result
}

// Func adapts a function to Collaborator.
type Func struct {
	name Name
	fn   func(ctx context.Context, in Input) Result
}

// NewFunc wraps fn as the collaborator for name.
func NewFunc(name Name, fn func(ctx context.Context, in Input) Result) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() Name { return f.name }

func (f *Func) Invoke(ctx context.Context, in Input) Result {
	return f.fn(ctx, in)
}

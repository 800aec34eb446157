package command

import (
	"context"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"
)

// RecordingRunner records every invocation and returns scripted results.
// Tests use it to assert exact argv sequences, including rollback paths.
type RecordingRunner struct {
	mu sync.Mutex

	// Calls holds every executed argv in order.
	Calls [][]string
	// Inputs holds stdin payloads keyed by call index (RunInput only).
	Inputs map[int]string
	// FailOn maps a joined argv string to the error to return.
	FailOn map[string]error
	// FailAt fails the call with this index (0-based). -1 disables.
	FailAt int
	// Outputs maps a joined argv string to scripted stdout.
	Outputs map[string]string
}

// NewRecordingRunner creates an empty recording runner.
func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{
		Inputs:  make(map[int]string),
		FailOn:  make(map[string]error),
		Outputs: make(map[string]string),
		FailAt:  -1,
	}
}

func (r *RecordingRunner) record(input string, argv []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := len(r.Calls)
	r.Calls = append(r.Calls, append([]string(nil), argv...))
	if input != "" {
		r.Inputs[idx] = input
	}

	if r.FailAt == idx {
		return idx, &Error{Argv: argv, ExitCode: 2, Err: errScripted}
	}
	if err, ok := r.FailOn[strings.Join(argv, " ")]; ok {
		return idx, err
	}
	return idx, nil
}

// Run records the call and returns any scripted failure.
func (r *RecordingRunner) Run(ctx context.Context, argv []string) error {
	_, err := r.record("", argv)
	return err
}

// Output records the call and returns scripted stdout.
func (r *RecordingRunner) Output(ctx context.Context, argv []string) (Result, error) {
	_, err := r.record("", argv)
	r.mu.Lock()
	out := r.Outputs[strings.Join(argv, " ")]
	r.mu.Unlock()
	if err != nil {
		return Result{ExitCode: 2, Stdout: out}, err
	}
	return Result{ExitCode: 0, Stdout: out}, nil
}

// RunInput records the call with its stdin payload.
func (r *RecordingRunner) RunInput(ctx context.Context, input string, argv []string) error {
	_, err := r.record(input, argv)
	return err
}

// CallCount returns the number of recorded calls.
func (r *RecordingRunner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

var errScripted = &scriptedError{}

type scriptedError struct{}

func (*scriptedError) Error() string { return "scripted failure" }

// MockRunner is a testify mock implementation of Runner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, argv []string) error {
	args := m.Called(ctx, argv)
	return args.Error(0)
}

func (m *MockRunner) Output(ctx context.Context, argv []string) (Result, error) {
	args := m.Called(ctx, argv)
	return args.Get(0).(Result), args.Error(1)
}

func (m *MockRunner) RunInput(ctx context.Context, input string, argv []string) error {
	args := m.Called(ctx, input, argv)
	return args.Error(0)
}

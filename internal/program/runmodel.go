package program

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flumeproject/flume/internal/protocol"
)

type runModelState string

const (
	runStarting   runModelState = "starting"
	runLoading    runModelState = "loading model"
	runSimulating runModelState = "running simulation"
	runCompleted  runModelState = "completed"
	runFailed     runModelState = "failed"
)

// RunModelResult is delivered exactly once on the Done channel when the
// workflow reaches a terminal state.
type RunModelResult struct {
	Interrupted bool
	Outputs     []string
	Err         error
}

// RunModelOption configures RunModel construction.
type RunModelOption func(*RunModel)

// WithRunModelStatus sets the status line callback.
func WithRunModelStatus(status StatusFunc) RunModelOption {
	return func(p *RunModel) {
		p.status = status
	}
}

// WithRunModelProgress sets the progress callback.
func WithRunModelProgress(progress ProgressFunc) RunModelOption {
	return func(p *RunModel) {
		p.progress = progress
	}
}

// RunModel loads a model into the engine and runs one simulation: send
// load_model_string, wait for the ready signal, send run_simulation,
// then collect outputs from the result payload.
type RunModel struct {
	sender     CommandSender
	sessionKey string
	status     StatusFunc
	progress   ProgressFunc
	done       chan RunModelResult

	mu       sync.Mutex
	st       runModelState
	outputs  []string
	finished bool
}

// NewRunModel builds the workflow for one session.
func NewRunModel(sender CommandSender, sessionKey string, options ...RunModelOption) (*RunModel, error) {
	if sender == nil {
		return nil, errors.New("command sender is required")
	}
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}

	program := &RunModel{
		sender:     sender,
		sessionKey: sessionKey,
		done:       make(chan RunModelResult, 1),
		st:         runStarting,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(program)
	}
	return program, nil
}

// Start sends the load command. A send failure fails the workflow
// immediately instead of returning the session to limbo.
func (p *RunModel) Start(ctx context.Context, modelText string) error {
	p.mu.Lock()
	if p.st != runStarting {
		st := p.st
		p.mu.Unlock()
		return fmt.Errorf("run-model already started (state %s)", st)
	}
	p.st = runLoading
	p.mu.Unlock()

	p.report("Loading model")
	if err := p.sender.SendCommand(ctx, p.sessionKey, protocol.LoadModelString(modelText)); err != nil {
		p.fail(fmt.Sprintf("Failed to send model: %v", err), err)
		return err
	}
	return nil
}

// Done delivers the terminal result exactly once.
func (p *RunModel) Done() <-chan RunModelResult {
	return p.done
}

// HandleMessage consumes one decoded message while the workflow is
// active. It returns false for messages that have no meaning in the
// current state so the session manager can fall through.
func (p *RunModel) HandleMessage(msg protocol.Message) bool {
	p.mu.Lock()
	current := p.st
	p.mu.Unlock()

	switch current {
	case runLoading:
		return p.handleLoading(msg)
	case runSimulating:
		return p.handleSimulating(msg)
	default:
		return false
	}
}

func (p *RunModel) handleLoading(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindReady:
		p.mu.Lock()
		p.st = runSimulating
		p.mu.Unlock()
		p.report("Starting simulation")
		if err := p.sender.SendCommand(context.Background(), p.sessionKey, protocol.RunSimulation()); err != nil {
			p.fail(fmt.Sprintf("Failed to start simulation: %v", err), err)
		}
		return true
	case protocol.KindResult:
		if msg.Success != nil && !*msg.Success {
			text := cleanupErrorMessage(extractErrorMessage(msg))
			p.fail("Model load failed: "+text, errors.New(text))
		}
		return true
	case protocol.KindProgress:
		handleProgressUpdate(msg, "Loading", p.progress)
		return true
	case protocol.KindError:
		text := cleanupErrorMessage(extractErrorMessage(msg))
		p.fail("Model load failed: "+text, errors.New(text))
		return true
	default:
		return false
	}
}

func (p *RunModel) handleSimulating(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindBusy:
		p.report("Simulation running")
		return true
	case protocol.KindProgress:
		handleProgressUpdate(msg, "Simulating", p.progress)
		return true
	case protocol.KindResult:
		outputs := protocol.OutputsFromResult(msg.Result)
		p.mu.Lock()
		p.outputs = outputs
		p.st = runCompleted
		p.mu.Unlock()
		p.report("Simulation completed")
		p.finish(RunModelResult{Outputs: outputs})
		return true
	case protocol.KindStopped:
		p.mu.Lock()
		p.st = runCompleted
		p.mu.Unlock()
		p.report("Simulation interrupted")
		p.finish(RunModelResult{Interrupted: true})
		return true
	case protocol.KindError:
		text := cleanupErrorMessage(extractErrorMessage(msg))
		p.fail("Simulation failed: "+text, errors.New(text))
		return true
	default:
		return false
	}
}

// IsActive reports whether the workflow still consumes messages.
func (p *RunModel) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == runLoading || p.st == runSimulating
}

// IsCompleted reports whether the workflow finished without failure.
func (p *RunModel) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == runCompleted
}

// IsFailed reports whether the workflow ended in failure.
func (p *RunModel) IsFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == runFailed
}

// StateDescription returns a short human-readable phase name.
func (p *RunModel) StateDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.st)
}

// OutputsGenerated returns the output names reported by the simulation
// result, or nil before completion.
func (p *RunModel) OutputsGenerated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.outputs))
	copy(out, p.outputs)
	return out
}

func (p *RunModel) fail(status string, err error) {
	p.mu.Lock()
	p.st = runFailed
	p.mu.Unlock()
	p.report(status)
	p.finish(RunModelResult{Err: err})
}

func (p *RunModel) finish(result RunModelResult) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()
	p.done <- result
}

func (p *RunModel) report(message string) {
	if p.status == nil {
		return
	}
	p.status(message)
}

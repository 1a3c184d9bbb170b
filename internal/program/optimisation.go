package program

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flumeproject/flume/internal/protocol"
)

type optimisationState string

const (
	optStarting       optimisationState = "starting"
	optLoading        optimisationState = "loading model"
	optFetchingParams optimisationState = "fetching optimisable parameters"
	optReady          optimisationState = "awaiting optimisation config"
	optOptimising     optimisationState = "optimising"
	optCompleted      optimisationState = "completed"
	optFailed         optimisationState = "failed"
)

// OptimisationResult is delivered exactly once on the Done channel.
type OptimisationResult struct {
	Result string
	Err    error
}

// OptimisationOption configures Optimisation construction.
type OptimisationOption func(*Optimisation)

// WithOptimisationStatus sets the status line callback.
func WithOptimisationStatus(status StatusFunc) OptimisationOption {
	return func(p *Optimisation) {
		p.status = status
	}
}

// WithOptimisationProgress sets the progress callback.
func WithOptimisationProgress(progress ProgressFunc) OptimisationOption {
	return func(p *Optimisation) {
		p.progress = progress
	}
}

// WithParametersCallback sets the sink for the optimisable-parameters
// payload fetched between model load and readiness.
func WithParametersCallback(callback func(params json.RawMessage)) OptimisationOption {
	return func(p *Optimisation) {
		p.parameters = callback
	}
}

// Optimisation loads a model, fetches its optimisable parameters, then
// waits for an explicit RunOptimisation call before starting the run.
// This is the one workflow where a human decision gates the next command
// instead of it firing automatically.
type Optimisation struct {
	sender     CommandSender
	sessionKey string
	status     StatusFunc
	progress   ProgressFunc
	parameters func(params json.RawMessage)
	done       chan OptimisationResult

	mu       sync.Mutex
	st       optimisationState
	started  bool
	finished bool
}

// NewOptimisation builds the workflow for one session.
func NewOptimisation(sender CommandSender, sessionKey string, options ...OptimisationOption) (*Optimisation, error) {
	if sender == nil {
		return nil, errors.New("command sender is required")
	}
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}

	program := &Optimisation{
		sender:     sender,
		sessionKey: sessionKey,
		done:       make(chan OptimisationResult, 1),
		st:         optStarting,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(program)
	}
	return program, nil
}

// Start sends the load command and begins awaiting the load result.
func (p *Optimisation) Start(ctx context.Context, modelText string) error {
	p.mu.Lock()
	if p.started {
		st := p.st
		p.mu.Unlock()
		return fmt.Errorf("optimisation already started (state %s)", st)
	}
	p.started = true
	p.mu.Unlock()

	p.report("Loading model for optimisation")
	if err := p.sender.SendCommand(ctx, p.sessionKey, protocol.LoadModelString(modelText)); err != nil {
		p.fail(fmt.Sprintf("Failed to send model: %v", err), err)
		return err
	}
	return nil
}

// RunOptimisation kicks off the optimisation run with the given engine
// config. Before the workflow reaches its ready state this is a no-op
// that only reports "not ready".
func (p *Optimisation) RunOptimisation(ctx context.Context, configText string) error {
	p.mu.Lock()
	if p.st != optReady {
		st := p.st
		p.mu.Unlock()
		p.report(fmt.Sprintf("Optimisation not ready (state %s)", st))
		return nil
	}
	p.st = optOptimising
	p.mu.Unlock()

	p.report("Starting optimisation")
	if err := p.sender.SendCommand(ctx, p.sessionKey, protocol.RunOptimisation(configText)); err != nil {
		p.fail(fmt.Sprintf("Failed to start optimisation: %v", err), err)
		return err
	}
	return nil
}

// Done delivers the terminal result exactly once.
func (p *Optimisation) Done() <-chan OptimisationResult {
	return p.done
}

// HandleMessage consumes one decoded message while the workflow is
// active.
func (p *Optimisation) HandleMessage(msg protocol.Message) bool {
	p.mu.Lock()
	current := p.st
	p.mu.Unlock()

	switch current {
	case optStarting:
		return p.handleStarting(msg)
	case optLoading:
		return p.handleLoading(msg)
	case optFetchingParams:
		return p.handleFetchingParams(msg)
	case optOptimising:
		return p.handleOptimising(msg)
	default:
		return false
	}
}

// handleStarting awaits the load_model_string result.
func (p *Optimisation) handleStarting(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindResult:
		if msg.Success != nil && !*msg.Success {
			text := cleanupErrorMessage(extractErrorMessage(msg))
			p.fail("Model load failed: "+text, errors.New(text))
			return true
		}
		p.mu.Lock()
		p.st = optLoading
		p.mu.Unlock()
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

// handleLoading awaits readiness, then asks for optimisable parameters.
func (p *Optimisation) handleLoading(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindReady:
		p.mu.Lock()
		p.st = optFetchingParams
		p.mu.Unlock()
		p.report("Fetching optimisable parameters")
		if err := p.sender.SendCommand(context.Background(), p.sessionKey, protocol.GetOptimisableParams()); err != nil {
			p.fail(fmt.Sprintf("Failed to fetch parameters: %v", err), err)
		}
		return true
	case protocol.KindError:
		text := cleanupErrorMessage(extractErrorMessage(msg))
		p.fail("Model load failed: "+text, errors.New(text))
		return true
	default:
		return false
	}
}

// handleFetchingParams delivers the parameter payload and moves to the
// config gate. A parameter fetch error is reported but not fatal.
func (p *Optimisation) handleFetchingParams(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindResult:
		if p.parameters != nil && len(msg.Result) > 0 {
			p.parameters(msg.Result)
		}
		p.mu.Lock()
		p.st = optReady
		p.mu.Unlock()
		p.report("Ready for optimisation config")
		return true
	case protocol.KindError:
		text := cleanupErrorMessage(extractErrorMessage(msg))
		p.report("Could not fetch optimisable parameters: " + text)
		p.mu.Lock()
		p.st = optReady
		p.mu.Unlock()
		return true
	default:
		return false
	}
}

func (p *Optimisation) handleOptimising(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindBusy:
		p.report("Optimisation running")
		return true
	case protocol.KindProgress:
		handleProgressUpdate(msg, "Optimising", p.progress)
		return true
	case protocol.KindResult:
		resultText := string(msg.Result)
		p.mu.Lock()
		p.st = optCompleted
		p.mu.Unlock()
		p.report("Optimisation completed")
		p.finish(OptimisationResult{Result: resultText})
		return true
	case protocol.KindError:
		text := cleanupErrorMessage(extractErrorMessage(msg))
		p.mu.Lock()
		p.st = optFailed
		p.mu.Unlock()
		p.report("Optimisation failed: " + text)
		p.finish(OptimisationResult{Result: "ERROR: " + text, Err: errors.New(text)})
		return true
	default:
		return false
	}
}

// IsActive reports whether the workflow still consumes messages.
func (p *Optimisation) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.st {
	case optCompleted, optFailed:
		return false
	default:
		return true
	}
}

// IsCompleted reports whether the workflow finished without failure.
func (p *Optimisation) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == optCompleted
}

// IsFailed reports whether the workflow ended in failure.
func (p *Optimisation) IsFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == optFailed
}

// StateDescription returns a short human-readable phase name.
func (p *Optimisation) StateDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.st)
}

// AwaitingConfig reports whether RunOptimisation may proceed.
func (p *Optimisation) AwaitingConfig() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == optReady
}

func (p *Optimisation) fail(status string, err error) {
	p.mu.Lock()
	p.st = optFailed
	p.mu.Unlock()
	p.report(status)
	p.finish(OptimisationResult{Err: err})
}

func (p *Optimisation) finish(result OptimisationResult) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()
	p.done <- result
}

func (p *Optimisation) report(message string) {
	if p.status == nil {
		return
	}
	p.status(message)
}

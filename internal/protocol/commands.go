package protocol

import "encoding/json"

// Well-known engine command names.
const (
	CmdLoadModelFile        = "load_model_file"
	CmdLoadModelString      = "load_model_string"
	CmdRunSimulation        = "run_simulation"
	CmdRunOptimisation      = "run_optimisation"
	CmdGetOptimisableParams = "get_optimisable_params"
	CmdGetResult            = "get_result"
	CmdTestProgress         = "test_progress"
)

// Well-known query types.
const (
	QueryGetState   = "get_state"
	QueryGetVersion = "get_version"
)

// LoadModelFile encodes a command loading a model from a file path.
func LoadModelFile(modelPath string) string {
	return Encode(NewCommand(CmdLoadModelFile, map[string]any{"model_path": modelPath}))
}

// LoadModelString encodes a command loading a model from inline text.
func LoadModelString(modelText string) string {
	return Encode(NewCommand(CmdLoadModelString, map[string]any{"model_ini": modelText}))
}

// RunSimulation encodes the run-simulation command.
func RunSimulation() string {
	return Encode(NewCommand(CmdRunSimulation, nil))
}

// RunOptimisation encodes the run-optimisation command with configuration text.
func RunOptimisation(configText string) string {
	return Encode(NewCommand(CmdRunOptimisation, map[string]any{"config": configText}))
}

// GetOptimisableParams encodes the optimisable-parameter listing command.
func GetOptimisableParams() string {
	return Encode(NewCommand(CmdGetOptimisableParams, nil))
}

// GetResult encodes a named result fetch in the requested format.
func GetResult(seriesName, format string) string {
	return Encode(NewCommand(CmdGetResult, map[string]any{
		"series_name": seriesName,
		"format":      format,
	}))
}

// GetState encodes the engine state query.
func GetState() string {
	return Encode(NewQuery(QueryGetState))
}

// GetVersion encodes the engine version query.
func GetVersion() string {
	return Encode(NewQuery(QueryGetVersion))
}

// SimulationResult is the result payload shape of run_simulation.
type SimulationResult struct {
	Timeseries *TimeseriesInfo `json:"ts"`
}

// TimeseriesInfo describes the generated timeseries block.
type TimeseriesInfo struct {
	Timesteps      int      `json:"len"`
	Start          string   `json:"start"`
	End            string   `json:"end"`
	AvailableTypes []string `json:"o"`
	Outputs        []string `json:"outputs"`
}

type legacySimulationResult struct {
	OutputsGenerated []string `json:"outputs_generated"`
}

// OutputsFromResult extracts generated output names from a result payload.
// It tries the ts.outputs shape first, falls back to the legacy flat
// outputs_generated field, and returns nil when neither is present or the
// payload cannot be parsed.
func OutputsFromResult(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var result SimulationResult
	if err := json.Unmarshal(raw, &result); err == nil &&
		result.Timeseries != nil && result.Timeseries.Outputs != nil {
		return result.Timeseries.Outputs
	}

	var legacy legacySimulationResult
	if err := json.Unmarshal(raw, &legacy); err == nil && legacy.OutputsGenerated != nil {
		return legacy.OutputsGenerated
	}
	return nil
}

// internal/service/smoketest.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/model"
	"sniffer-bench/internal/protocol"
)

// ErrDeviceCritical refuses smoke tests on devices without a working
// shell endpoint.
var ErrDeviceCritical = errors.New("device is critical, refusing smoke test")

// DeviceGateway is the slice of the registry the runner needs. Tests
// substitute scripted fleets.
type DeviceGateway interface {
	IDs() []string
	Health(id string) (model.Health, error)
	SendCommand(ctx context.Context, id string, role model.EndpointRole, req model.CommandRequest) model.CommandResult
}

// RunState tracks a smoke run through its lifecycle.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
)

// SmokeStep is one scripted exchange: send Command on Role, accept the
// first line Match approves within Timeout.
type SmokeStep struct {
	Name    string             `json:"name"`
	Role    model.EndpointRole `json:"role"`
	Command string             `json:"command"`
	Match   model.MatchFunc    `json:"-"`
	Timeout time.Duration      `json:"timeout,omitempty"`
}

// StepResult records one executed step.
type StepResult struct {
	Name        string              `json:"name"`
	Command     string              `json:"command"`
	Status      model.CommandStatus `json:"status"`
	Response    string              `json:"response,omitempty"`
	Error       string              `json:"error,omitempty"`
	Duration    time.Duration       `json:"duration"`
	RetriesUsed int                 `json:"retries_used"`

	err error
}

// SmokeReport is the outcome of one device's run.
type SmokeReport struct {
	RunID      string       `json:"run_id"`
	DeviceID   string       `json:"device_id"`
	State      RunState     `json:"state"`
	Steps      []StepResult `json:"steps"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	TimedOut   int          `json:"timed_out"`
	Pass       bool         `json:"pass"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// FleetReport aggregates one run across many devices, in the order the
// devices were requested.
type FleetReport struct {
	RunID      string         `json:"run_id"`
	Reports    []*SmokeReport `json:"reports"`
	Passed     int            `json:"passed"`
	Failed     int            `json:"failed"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ProgressFunc observes step completion during a run. Called from
// worker goroutines; implementations must be concurrency-safe.
type ProgressFunc func(deviceID string, stepIndex, stepCount int, result StepResult)

// SmokeRunner executes scripted command sequences against fleet
// devices, fanning fleet runs across a bounded worker pool.
type SmokeRunner struct {
	cfg      config.SmokeConfig
	fleet    DeviceGateway
	logger   *zap.Logger
	progress ProgressFunc
}

// NewSmokeRunner creates a runner. progress may be nil.
func NewSmokeRunner(cfg config.SmokeConfig, fleet DeviceGateway, logger *zap.Logger, progress ProgressFunc) *SmokeRunner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 3 * time.Second
	}
	if cfg.PassThreshold <= 0 || cfg.PassThreshold > 1 {
		cfg.PassThreshold = 0.8
	}
	return &SmokeRunner{
		cfg:      cfg,
		fleet:    fleet,
		logger:   logger.With(zap.String("component", "smoke-runner")),
		progress: progress,
	}
}

// RunDevice executes the sequence against one device. Critical devices
// are refused up front. A transport loss mid-run fails the remaining
// steps immediately; the run always finalizes in bounded time.
func (sr *SmokeRunner) RunDevice(ctx context.Context, deviceID string, steps []SmokeStep) (*SmokeReport, error) {
	health, err := sr.fleet.Health(deviceID)
	if err != nil {
		return nil, err
	}
	if health == model.HealthCritical {
		return nil, ErrDeviceCritical
	}

	report := &SmokeReport{
		RunID:     uuid.NewString(),
		DeviceID:  deviceID,
		State:     RunRunning,
		Steps:     make([]StepResult, 0, len(steps)),
		StartedAt: time.Now(),
	}

	sr.logger.Info("Smoke run starting",
		zap.String("run_id", report.RunID),
		zap.String("device_id", deviceID),
		zap.Int("steps", len(steps)),
	)

	abort := ""
	for i, step := range steps {
		if abort == "" {
			select {
			case <-ctx.Done():
				abort = "cancelled"
			default:
			}
		}
		if abort != "" {
			sr.record(report, i, len(steps), StepResult{
				Name:    step.Name,
				Command: step.Command,
				Status:  model.StatusFail,
				Error:   abort,
			})
			continue
		}

		result := sr.runStep(ctx, deviceID, step)
		sr.record(report, i, len(steps), result)

		if result.Status == model.StatusError && errors.Is(result.err, protocol.ErrDisconnected) {
			abort = "disconnected"
		}
	}

	sr.finalize(report, len(steps))
	return report, nil
}

// runStep issues one step as a command with the runner's retry policy.
func (sr *SmokeRunner) runStep(ctx context.Context, deviceID string, step SmokeStep) StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = sr.cfg.StepTimeout
	}

	res := sr.fleet.SendCommand(ctx, deviceID, step.Role, model.CommandRequest{
		Text:    step.Command,
		Timeout: timeout,
		Retries: model.RetryCount(1),
		Match:   step.Match,
	})

	out := StepResult{
		Name:        step.Name,
		Command:     step.Command,
		Status:      res.Status,
		Response:    res.Response,
		Error:       res.Error,
		Duration:    res.Duration,
		RetriesUsed: res.RetriesUsed,
	}
	if res.Err != nil {
		out.err = res.Err
	}
	return out
}

// record counts and reports one step result.
func (sr *SmokeRunner) record(report *SmokeReport, index, total int, result StepResult) {
	// Step outcomes collapse to pass/timeout/fail; transport errors
	// count as failures.
	switch result.Status {
	case model.StatusPass:
		report.Passed++
	case model.StatusTimeout:
		report.TimedOut++
	default:
		result.Status = model.StatusFail
		report.Failed++
	}
	report.Steps = append(report.Steps, result)

	if sr.progress != nil {
		sr.progress(report.DeviceID, index, total, result)
	}
}

func (sr *SmokeRunner) finalize(report *SmokeReport, stepCount int) {
	report.State = RunCompleted
	report.FinishedAt = time.Now()
	report.Pass = report.Passed >= minPassing(sr.cfg.PassThreshold, stepCount)

	sr.logger.Info("Smoke run finished",
		zap.String("run_id", report.RunID),
		zap.String("device_id", report.DeviceID),
		zap.Bool("pass", report.Pass),
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Int("timed_out", report.TimedOut),
	)
}

// minPassing is the smallest passed-step count that clears threshold.
func minPassing(threshold float64, steps int) int {
	return int(math.Ceil(threshold * float64(steps)))
}

// RunFleet executes the sequence against every requested device (the
// whole fleet when ids is empty) over a worker pool capped at the
// configured concurrency. Reports come back in request order. Devices
// refused or unknown still get a report, marked failed with the
// reason.
func (sr *SmokeRunner) RunFleet(ctx context.Context, ids []string, steps []SmokeStep) *FleetReport {
	if len(ids) == 0 {
		ids = sr.fleet.IDs()
	}

	fleet := &FleetReport{
		RunID:     uuid.NewString(),
		Reports:   make([]*SmokeReport, len(ids)),
		StartedAt: time.Now(),
	}

	sr.logger.Info("Fleet smoke run starting",
		zap.String("run_id", fleet.RunID),
		zap.Int("devices", len(ids)),
		zap.Int("concurrency", sr.cfg.Concurrency),
	)

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < sr.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				id := ids[idx]
				report, err := sr.RunDevice(ctx, id, steps)
				if err != nil {
					report = &SmokeReport{
						RunID:      fleet.RunID,
						DeviceID:   id,
						State:      RunCompleted,
						Error:      err.Error(),
						StartedAt:  time.Now(),
						FinishedAt: time.Now(),
					}
				}
				fleet.Reports[idx] = report
			}
		}()
	}

	for idx := range ids {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	for _, report := range fleet.Reports {
		if report.Pass {
			fleet.Passed++
		} else {
			fleet.Failed++
		}
	}
	fleet.FinishedAt = time.Now()

	sr.logger.Info("Fleet smoke run finished",
		zap.String("run_id", fleet.RunID),
		zap.Int("passed", fleet.Passed),
		zap.Int("failed", fleet.Failed),
	)
	return fleet
}

// BroadcastShell sends one shell command to every requested device
// (the whole fleet when ids is empty) over the same worker pool.
// Critical devices are skipped with an error result.
func (sr *SmokeRunner) BroadcastShell(ctx context.Context, ids []string, command string, timeout time.Duration) map[string]model.CommandResult {
	if len(ids) == 0 {
		ids = sr.fleet.IDs()
	}
	if timeout <= 0 {
		timeout = sr.cfg.StepTimeout
	}

	results := make([]model.CommandResult, len(ids))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < sr.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				id := ids[idx]
				health, err := sr.fleet.Health(id)
				if err != nil {
					results[idx] = model.ErrorResult(command, err, 0, 0)
					continue
				}
				if health == model.HealthCritical {
					results[idx] = model.ErrorResult(command,
						fmt.Errorf("device %s is critical", id), 0, 0)
					continue
				}
				results[idx] = sr.fleet.SendCommand(ctx, id, model.RoleShell, model.CommandRequest{
					Text:    command,
					Timeout: timeout,
					Retries: model.RetryCount(1),
				})
			}
		}()
	}

	for idx := range ids {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	out := make(map[string]model.CommandResult, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}

// DefaultSmokeSteps is the factory acceptance sequence: walk the shell
// through a LoRa configuration, exercise both radio test modes, then
// flip to FSK and exercise it again. The core runner stays agnostic;
// this vocabulary lives here as caller-supplied data.
func DefaultSmokeSteps() []SmokeStep {
	return []SmokeStep{
		{Name: "status", Role: model.RoleShell, Command: "status", Match: model.MatchContains("band")},
		{Name: "select band", Role: model.RoleShell, Command: "band3", Match: model.MatchAny},
		{Name: "select lora", Role: model.RoleShell, Command: "modulation lora", Match: model.MatchAny},
		{Name: "lora command mode", Role: model.RoleShell, Command: "lora_mode command", Match: model.MatchAny},
		{Name: "lora config", Role: model.RoleShell, Command: "lora_config", Match: model.MatchAny},
		{Name: "lora apply", Role: model.RoleShell, Command: "lora_apply", Match: model.MatchAny},
		{Name: "radio self test", Role: model.RoleRadio, Command: "TEST", Match: model.MatchPattern(`(ok|pass)`)},
		{Name: "radio tx test", Role: model.RoleRadio, Command: "TXTEST", Match: model.MatchPattern(`(ok|sent|tx)`)},
		{Name: "select fsk", Role: model.RoleShell, Command: "modulation fsk", Match: model.MatchAny},
		{Name: "fsk apply", Role: model.RoleShell, Command: "fsk_apply", Match: model.MatchAny},
		{Name: "fsk self test", Role: model.RoleRadio, Command: "FSKTEST", Match: model.MatchPattern(`(ok|pass)`)},
	}
}

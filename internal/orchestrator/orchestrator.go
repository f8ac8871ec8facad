// Package orchestrator drives the run state machine: admission, engine turns,
// interactive parking, cache binding, cancellation and startup reconciliation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/skillrunner/internal/cachekey"
	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/events"
	"github.com/floegence/skillrunner/internal/schema"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
	"github.com/floegence/skillrunner/internal/supervise"
	"github.com/floegence/skillrunner/internal/workspace"
)

// StickyProcess is a live child held across a waiting_user park.
type StickyProcess interface {
	StdoutSnapshot() []byte
	WriteInput(b []byte) error
	Alive() bool
	Kill()
	Wait(ctx context.Context) (*supervise.Result, error)
}

// Executor runs engine commands; injectable for tests.
type Executor interface {
	Run(ctx context.Context, spec supervise.Spec) (*supervise.Result, error)
	Start(ctx context.Context, spec supervise.Spec) (StickyProcess, error)
}

type superviseExecutor struct{}

func (superviseExecutor) Run(ctx context.Context, spec supervise.Spec) (*supervise.Result, error) {
	return supervise.Run(ctx, spec)
}

func (superviseExecutor) Start(ctx context.Context, spec supervise.Spec) (StickyProcess, error) {
	return supervise.Start(ctx, spec)
}

// Options configure an Orchestrator.
type Options struct {
	Store             *store.Store
	Workspace         *workspace.Manager
	Skills            *skill.Manager
	Registry          *engine.Registry
	Hub               *events.Hub
	MaxParallelJobs   int
	SessionTimeoutSec int
	LandlockEnabled   bool
	Logger            *slog.Logger
	// Executor overrides subprocess execution (tests); nil uses supervise.
	Executor Executor
}

// Orchestrator owns the run lifecycle.
type Orchestrator struct {
	store    *store.Store
	ws       *workspace.Manager
	skills   *skill.Manager
	registry *engine.Registry
	hub      *events.Hub
	sem      *ConcurrencyManager
	logger   *slog.Logger
	exec     Executor

	sessionTimeoutSec int
	landlockEnabled   bool

	mu     sync.Mutex
	sticky map[string]*stickyState
	// watchdogs holds the sticky wait-deadline timers; autoDecides holds the
	// reply-synthesis timers. Separate slots: a parked sticky run can carry
	// both at once.
	watchdogs   map[string]*time.Timer
	autoDecides map[string]*time.Timer
	cancels     map[string]context.CancelFunc
	slotHeld    map[string]bool
}

// stickyState tracks a parked sticky-process run.
type stickyState struct {
	proc StickyProcess
	// consumed is the stdout offset already interpreted by prior turns.
	consumed int
}

// New wires an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Workspace == nil || opts.Skills == nil || opts.Registry == nil {
		return nil, fmt.Errorf("store, workspace, skills and registry are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	exec := opts.Executor
	if exec == nil {
		exec = superviseExecutor{}
	}
	sessionTimeout := opts.SessionTimeoutSec
	if sessionTimeout <= 0 {
		sessionTimeout = 1800
	}
	return &Orchestrator{
		store:             opts.Store,
		ws:                opts.Workspace,
		skills:            opts.Skills,
		registry:          opts.Registry,
		hub:               hub,
		sem:               NewConcurrencyManager(opts.MaxParallelJobs),
		logger:            logger.With("component", "orchestrator"),
		exec:              exec,
		sessionTimeoutSec: sessionTimeout,
		landlockEnabled:   opts.LandlockEnabled,
		sticky:            make(map[string]*stickyState),
		watchdogs:         make(map[string]*time.Timer),
		autoDecides:       make(map[string]*time.Timer),
		cancels:           make(map[string]context.CancelFunc),
		slotHeld:          make(map[string]bool),
	}, nil
}

// Hub exposes the event fan-out for the HTTP layer.
func (o *Orchestrator) Hub() *events.Hub { return o.hub }

// Concurrency exposes the admission semaphore.
func (o *Orchestrator) Concurrency() *ConcurrencyManager { return o.sem }

// Submission is one validated job request.
type Submission struct {
	RequestID   string
	SkillID     string
	Engine      string
	InputPrompt string
	Input       map[string]any
	Parameter   map[string]any

	EngineOptions engine.Options
	RuntimeRaw    map[string]any

	// TempSkillDir, when set, runs a materialized temp skill; cache entries
	// go to the temp namespace keyed by TempSkillPackageHash.
	TempSkillDir         string
	TempSkillPackageHash string
}

// SubmitResult reports how a submission resolved.
type SubmitResult struct {
	RequestID string   `json:"request_id"`
	RunID     string   `json:"run_id"`
	CacheHit  bool     `json:"cache_hit"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Submit validates, admits and launches a job. On a cache hit the request is
// bound to the prior succeeded run and no new run starts.
func (o *Orchestrator) Submit(ctx context.Context, sub *Submission) (*SubmitResult, error) {
	if strings.TrimSpace(sub.RequestID) == "" {
		sub.RequestID = uuid.NewString()
	}

	opts, warnings, err := ParseRuntimeOptions(sub.RuntimeRaw)
	if err != nil {
		return nil, errcode.New(errcode.InputValidationError, "%s", err.Error())
	}

	sk, err := o.loadSkill(sub)
	if err != nil {
		return nil, err
	}
	if !sk.SupportsEngine(sub.Engine) {
		return nil, errcode.New(errcode.SkillEngineUnsupported,
			"skill %s does not support engine %s", sk.ID, sub.Engine)
	}
	if !sk.SupportsMode(opts.ExecutionMode) {
		return nil, errcode.New(errcode.SkillExecutionModeUnsupported,
			"skill %s does not support execution mode %s", sk.ID, opts.ExecutionMode)
	}
	if _, ok := o.registry.Lookup(sub.Engine); !ok {
		return nil, errcode.New(errcode.SkillEngineUnsupported, "engine %q is not registered", sub.Engine)
	}

	if err := o.validateInputs(sk, sub); err != nil {
		return nil, err
	}

	manifest, _, err := o.ws.WriteInputManifest(sub.RequestID)
	if err != nil {
		return nil, err
	}
	key, fingerprint, err := o.cacheKey(sk, sub, manifest)
	if err != nil {
		return nil, err
	}

	runtimeJSON, _ := json.Marshal(sub.RuntimeRaw)
	engineJSON, _ := json.Marshal(sub.EngineOptions)
	payloadJSON, _ := json.Marshal(map[string]any{
		"input_prompt": sub.InputPrompt,
		"input":        sub.Input,
		"parameter":    sub.Parameter,
	})
	if err := o.store.CreateRequest(ctx, &store.Request{
		RequestID:          sub.RequestID,
		SkillID:            sk.ID,
		Engine:             sub.Engine,
		ExecutionMode:      opts.ExecutionMode,
		PayloadJSON:        string(payloadJSON),
		RuntimeOptionsJSON: string(runtimeJSON),
		EngineOptionsJSON:  string(engineJSON),
		SkillFingerprint:   fingerprint,
		CacheKey:           key,
		TempSkill:          sub.TempSkillDir != "",
	}); err != nil {
		return nil, err
	}

	// Interactive runs never short-circuit on cache: a cached transcript
	// cannot replay the user's side of the conversation.
	if key != "" && !opts.NoCache && opts.ExecutionMode != ModeInteractive {
		if hit, err := o.store.LookupCache(ctx, o.cacheNamespace(sub), key); err != nil {
			return nil, err
		} else if hit != "" {
			if err := o.store.BindRun(ctx, sub.RequestID, hit); err != nil {
				return nil, err
			}
			if err := o.store.SetRequestStatus(ctx, sub.RequestID, store.StatusSucceeded); err != nil {
				return nil, err
			}
			o.logger.Info("cache hit", "request_id", sub.RequestID, "run_id", hit)
			return &SubmitResult{RequestID: sub.RequestID, RunID: hit, CacheHit: true, Warnings: warnings}, nil
		}
	}

	if !o.sem.AdmitOrReject() {
		return nil, errcode.New(errcode.QueueFull, "max parallel jobs reached")
	}

	runID, err := o.ws.CreateRunForSkill(&workspace.RunInput{
		RequestID:     sub.RequestID,
		SkillID:       sk.ID,
		Engine:        sub.Engine,
		InputPrompt:   sub.InputPrompt,
		Input:         sub.Input,
		Parameter:     sub.Parameter,
		ExecutionMode: opts.ExecutionMode,
	}, sk)
	if err != nil {
		o.sem.Release()
		return nil, err
	}
	if err := o.ws.PromoteRequestUploads(sub.RequestID, runID); err != nil {
		o.sem.Release()
		return nil, err
	}
	if err := o.store.CreateRun(ctx, &store.Run{
		RunID:         runID,
		RequestID:     sub.RequestID,
		SkillID:       sk.ID,
		Engine:        sub.Engine,
		ExecutionMode: opts.ExecutionMode,
		CacheKey:      key,
	}); err != nil {
		o.sem.Release()
		return nil, err
	}
	if err := o.store.BindRun(ctx, sub.RequestID, runID); err != nil {
		o.sem.Release()
		return nil, err
	}
	if err := WriteStatus(o.ws.RunDir(runID), &StatusFile{Status: store.StatusQueued, Warnings: warnings}); err != nil {
		o.sem.Release()
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.slotHeld[runID] = true
	o.mu.Unlock()

	go o.runTurn(turnCtx, runID, sub, sk, opts, nil, engine.SessionHandle{})

	return &SubmitResult{RequestID: sub.RequestID, RunID: runID, Warnings: warnings}, nil
}

func (o *Orchestrator) loadSkill(sub *Submission) (*skill.Manifest, error) {
	if sub.TempSkillDir != "" {
		return o.skills.LoadDir(sub.TempSkillDir, "")
	}
	return o.skills.Load(sub.SkillID)
}

func (o *Orchestrator) cacheNamespace(sub *Submission) string {
	if sub.TempSkillDir != "" {
		return store.CacheNamespaceTemp
	}
	return store.CacheNamespaceSkill
}

func (o *Orchestrator) cacheKey(sk *skill.Manifest, sub *Submission, manifest *workspace.InputManifest) (key, fingerprint string, err error) {
	fingerprint, err = cachekey.SkillFingerprint(sk, sub.Engine)
	if err != nil {
		return "", "", err
	}
	imh, err := cachekey.InputManifestHash(manifest)
	if err != nil {
		return "", "", err
	}
	iih, err := cachekey.InlineInputHash(sub.Input)
	if err != nil {
		return "", "", err
	}
	var engineOpts map[string]any
	b, _ := json.Marshal(sub.EngineOptions)
	_ = json.Unmarshal(b, &engineOpts)

	key, err = cachekey.Key(cachekey.Inputs{
		SkillID:              sk.ID,
		Engine:               sub.Engine,
		SkillFingerprint:     fingerprint,
		Parameter:            sub.Parameter,
		EngineOptions:        engineOpts,
		InputManifestHash:    imh,
		InlineInputHash:      iih,
		TempSkillPackageHash: sub.TempSkillPackageHash,
	})
	return key, fingerprint, err
}

// validateInputs checks parameter and inline input payloads against the
// skill's schemas.
func (o *Orchestrator) validateInputs(sk *skill.Manifest, sub *Submission) error {
	if sk.Schemas[skill.SchemaParameter] != "" {
		paramPath, err := sk.SchemaPath(skill.SchemaParameter)
		if err != nil {
			return errcode.New(errcode.InputValidationError, "%s", err.Error())
		}
		paramDoc, err := schema.LoadFile(paramPath)
		if err != nil {
			return errcode.New(errcode.InputValidationError, "%s", err.Error())
		}
		if violations := paramDoc.Validate(orEmptyMap(sub.Parameter)); len(violations) > 0 {
			return errcode.New(errcode.InputValidationError, "parameter: %s", strings.Join(violations, "; "))
		}
	}

	if sk.Schemas[skill.SchemaInput] == "" {
		return nil
	}
	inputPath, err := sk.SchemaPath(skill.SchemaInput)
	if err != nil {
		return errcode.New(errcode.InputValidationError, "%s", err.Error())
	}
	inputDoc, err := schema.LoadFile(inputPath)
	if err != nil {
		return errcode.New(errcode.InputValidationError, "%s", err.Error())
	}
	sources, err := schema.ClassifyInputFields(inputDoc)
	if err != nil {
		return errcode.New(errcode.InputValidationError, "%s", err.Error())
	}
	// File-sourced fields are satisfied by uploads; only inline fields are
	// validated against the inline payload.
	inline := make(map[string]any)
	for k, v := range sub.Input {
		if sources[k] != schema.SourceFile {
			inline[k] = v
		}
	}
	for _, req := range schema.RequiredFields(inputDoc) {
		if sources[req] == schema.SourceFile {
			continue
		}
		if _, ok := inline[req]; !ok {
			return errcode.New(errcode.InputValidationError, "input: missing required field %q", req)
		}
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/riccardocaporali/AICodeAgent/unifiedllm"
	"go.uber.org/zap"
)

// DefaultMaxIterations bounds the number of model calls per run.
const DefaultMaxIterations = 16

const (
	callBriefLen    = 200
	noOutputMarker  = "No output produced."
	loopErrorPrefix = "An error occurred during the execution of the loop. Below is the error. Adjust your behavior accordingly: "
)

// clarificationPattern matches a model asking which directory to work in.
var clarificationPattern = regexp.MustCompile(`(?i)(specify|which|what|where|indicate|choose|select|target|root|working\s*directory|project\s*root|path|folder|dir|tree|structure|cartella|percorso|quale|dove).{0,60}(directory|folder|path|root|cartella|percorso|dir)`)

// SessionConfig holds the per-run settings of the driver loop.
type SessionConfig struct {
	Provider      string
	Model         string
	MaxIterations int
	// Verbose prints call arguments, responses and token usage.
	Verbose bool
	// EchoIO prints the last messages before every model call and every
	// gating decision.
	EchoIO bool
	// Reset ignores the previous run: no context, no apply targets and no
	// argument injection.
	Reset bool
	// Demo pins every call to DemoDir.
	Demo        bool
	ProjectRoot string
	CodeDir     string
	DemoDir     string
	Backoff     unifiedllm.Backoff
	Tools       ToolOptions
}

// DefaultSessionConfig returns the configuration used by the CLI when no
// file overrides it.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:         unifiedllm.DefaultModel,
		MaxIterations: DefaultMaxIterations,
		ProjectRoot:   ".",
		CodeDir:       defaultCodeDir,
		DemoDir:       filepath.Join("examples", "minirepo", defaultCodeDir, "calculator_bugged"),
		Backoff:       unifiedllm.DefaultBackoff(),
		Tools:         DefaultToolOptions(),
	}
}

// SessionDeps are the collaborators of a session.
type SessionDeps struct {
	Client   unifiedllm.Completer
	Recorder *runstore.Recorder
	// Previous is the summary of the run before this one.
	Previous runstore.Previous
	Env      ExecutionEnvironment
	Logger   *zap.Logger
	// Out receives the console text of the run.
	Out io.Writer
	// Sleep waits between retries; unifiedllm.Sleep when nil.
	Sleep func(context.Context, time.Duration) error
}

// RunResult is everything a finished run hands to the persister.
type RunResult struct {
	RunID          string
	SessionID      string
	Prompt         string
	Stats          RunStats
	Order          RunOrder
	FlowErrors     []runstore.FlowError
	Calls          []runstore.CallRecord
	Proposals      []runstore.Proposal
	LastText       string
	Usage          unifiedllm.Usage
	Outcome        runstore.Outcome
	OutcomeMessage string
	Gating         GatingState
}

// Record converts the result into the persisted run record.
func (r *RunResult) Record() runstore.RunRecord {
	return runstore.RunRecord{
		RunID:      r.RunID,
		Prompt:     r.Prompt,
		Calls:      r.Calls,
		Proposals:  r.Proposals,
		FlowErrors: r.FlowErrors,
		LastText:   r.LastText,
	}
}

// Session drives one run: it calls the model, gates and dispatches the
// function calls it returns, and stops on a text answer or after
// MaxIterations model calls. A session runs once.
type Session struct {
	id         string
	cfg        SessionConfig
	run        runstore.RunSession
	previous   runstore.Previous
	client     unifiedllm.Completer
	profile    *Profile
	dispatcher *Dispatcher
	gate       *Gate
	emitter    *EventEmitter
	logger     *zap.Logger
	out        io.Writer
	sleep      func(context.Context, time.Duration) error

	history   []Turn
	tracker   runTracker
	calls     []runstore.CallRecord
	proposals []runstore.Proposal
	lastText  string
	usage     unifiedllm.Usage
	hinted    bool
	printed   bool
	ran       bool
}

// NewSession wires the tools, the gate and the dispatcher of a run.
func NewSession(deps SessionDeps, cfg SessionConfig) (*Session, error) {
	if deps.Client == nil {
		return nil, errors.New("agentloop: session needs a model client")
	}
	if deps.Recorder == nil {
		return nil, errors.New("agentloop: session needs a recorder")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	if deps.Sleep == nil {
		deps.Sleep = unifiedllm.Sleep
	}
	if deps.Env == nil {
		deps.Env = NewLocalExecutionEnvironment()
	}
	if cfg.Model == "" {
		cfg.Model = unifiedllm.DefaultModel
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.CodeDir == "" {
		cfg.CodeDir = defaultCodeDir
	}
	if cfg.Backoff == (unifiedllm.Backoff{}) {
		cfg.Backoff = unifiedllm.DefaultBackoff()
	}
	if cfg.Tools == (ToolOptions{}) {
		cfg.Tools = DefaultToolOptions()
	}

	run := deps.Recorder.Run()
	id := uuid.New().String()
	logger := deps.Logger.With(zap.String("run_id", run.ID), zap.String("session_id", id))

	registry := NewToolRegistry()
	RegisterCoreTools(registry, deps.Recorder, deps.Env, cfg.Tools, logger)

	var gate *Gate
	if cfg.Reset {
		gate = NewGate(nil)
	} else {
		gate = NewGate(deps.Previous.Proposals)
	}

	return &Session{
		id:         id,
		cfg:        cfg,
		run:        run,
		previous:   deps.Previous,
		client:     deps.Client,
		profile:    NewProfile(cfg.Provider, cfg.Model, registry, cfg.CodeDir),
		dispatcher: NewDispatcher(registry, logger, cfg.Verbose),
		gate:       gate,
		emitter:    NewEventEmitter(id, run.ID, 256),
		logger:     logger,
		out:        deps.Out,
		sleep:      deps.Sleep,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the event channel. It is closed when Run returns.
func (s *Session) Events() <-chan SessionEvent { return s.emitter.Events() }

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn {
	h := make([]Turn, len(s.history))
	copy(h, s.history)
	return h
}

// Run executes the driver loop for prompt. On an aborting model error it
// returns the partial result together with the error so the caller can
// still persist the run.
func (s *Session) Run(ctx context.Context, prompt string) (*RunResult, error) {
	if s.ran {
		return nil, errors.New("agentloop: session already ran")
	}
	s.ran = true
	defer s.emitter.Close()

	if !s.cfg.Reset && s.previous.Context != "" {
		s.history = append(s.history, NewUserTurn(s.previous.Context))
	}
	s.history = append(s.history, NewUserTurn(prompt))

	s.logger.Info("run started",
		zap.String("model", s.cfg.Model),
		zap.Bool("reset", s.cfg.Reset),
		zap.Int("pending_proposals", len(s.gate.State().Pending)))
	s.emitter.Emit(EventRunStart, map[string]any{"prompt": prompt})

	var runErr error
	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		done, err := s.step(ctx, iter, prompt)
		if err != nil {
			runErr = err
			break
		}
		if done {
			break
		}
		if iter == s.cfg.MaxIterations {
			s.logger.Warn("iteration limit reached", zap.Int("iterations", iter))
			s.emitter.Emit(EventTurnLimit, map[string]any{"iterations": iter})
		}
	}

	if !s.printed {
		fmt.Fprintln(s.out, noOutputMarker)
	}

	res := s.result(prompt)
	s.logger.Info("run finished",
		zap.Stringer("outcome", res.Outcome),
		zap.Int("tool_calls", res.Stats.ToolCalls),
		zap.Int("flow_errors", res.Stats.FlowError),
		zap.Int("transient_errors", res.Stats.TransientErr))
	s.emitter.Emit(EventRunEnd, map[string]any{"outcome": res.Outcome.String()})
	return res, runErr
}

// step runs one iteration. done reports that the loop should stop.
func (s *Session) step(ctx context.Context, iter int, prompt string) (done bool, err error) {
	fmt.Fprintf(s.out, "--------------- Iteration #%d ----------------\n", iter)
	s.emitter.Emit(EventIteration, map[string]any{"iteration": iter})
	if s.cfg.EchoIO {
		s.echoLastMessages()
	}

	messages := append([]unifiedllm.Message{unifiedllm.SystemMessage(s.profile.SystemPrompt())},
		ConvertHistoryToMessages(s.history)...)
	resp, err := s.client.Complete(ctx, unifiedllm.Request{
		Model:      s.profile.ModelID(),
		Provider:   s.profile.ID(),
		Messages:   messages,
		ToolDefs:   s.profile.ToolRegistry().ToUnifiedLLMToolDefs(),
		ToolChoice: &unifiedllm.ToolChoice{Mode: "auto"},
	})
	if err != nil {
		return s.handleError(ctx, iter, err)
	}

	text := resp.Text()
	calls := resp.ToolCallsFromResponse()
	s.history = append(s.history, NewAssistantTurn(text, calls, resp.Usage, resp.ID))
	s.usage = s.usage.Add(resp.Usage)
	if text != "" {
		s.lastText = text
		s.emitter.Emit(EventAssistantText, map[string]any{"text": text})
	}

	if len(calls) > 0 {
		results := make([]unifiedllm.ToolResultData, 0, len(calls))
		for _, tc := range calls {
			results = append(results, s.handleCall(ctx, tc))
		}
		s.history = append(s.history, NewToolResultsTurn(results))
	}

	if s.cfg.Verbose {
		fmt.Fprintf(s.out, "User prompt: %s\n", prompt)
		fmt.Fprintf(s.out, "Prompt tokens: %d\n", resp.Usage.InputTokens)
		fmt.Fprintf(s.out, "Response tokens: %d\n", resp.Usage.OutputTokens)
	}

	if len(calls) == 0 {
		return s.finishText(text), nil
	}
	return false, nil
}

// finishText handles a response without function calls. A first question
// about the working directory is answered with a hint instead of ending
// the run.
func (s *Session) finishText(text string) bool {
	if !s.hinted && clarificationPattern.MatchString(text) {
		s.hinted = true
		hint := fmt.Sprintf("The project root is '%s/'. Use get_files_info on '.' or on the mentioned subfolder.", s.cfg.CodeDir)
		s.history = append(s.history, NewSteeringTurn(hint))
		s.emitter.Emit(EventHintInjected, map[string]any{"content": hint})
		s.logger.Debug("injected working directory hint")
		return false
	}

	s.tracker.stats.TextOnly = true
	if strings.TrimSpace(text) == "" {
		text = noOutputMarker
	}
	fmt.Fprintln(s.out, text)
	s.printed = true
	if s.tracker.stats.ProposeOK > 0 {
		fmt.Fprintf(s.out, "\nProposed changes saved in %s/ (apply them in a new run)\n",
			filepath.Join(s.cfg.Tools.OutputDirName, s.run.ID))
	}
	return true
}

// handleError applies the backoff decision for a failed model call.
func (s *Session) handleError(ctx context.Context, iter int, err error) (bool, error) {
	decision, delay := s.cfg.Backoff.Decide(err)
	s.logger.Warn("model call failed",
		zap.Int("iteration", iter),
		zap.Stringer("decision", decision),
		zap.Error(err))
	s.emitter.Emit(EventError, map[string]any{"error": err.Error(), "decision": decision.String()})

	switch decision {
	case unifiedllm.DecisionRetry:
		s.tracker.stats.TransientErr++
		fmt.Fprintln(s.out, s.retryNotice(err, delay))
		s.emitter.Emit(EventRetry, map[string]any{"delay_ms": delay.Milliseconds()})
		if serr := s.sleep(ctx, delay); serr != nil {
			return true, serr
		}
		return false, nil
	case unifiedllm.DecisionAbort:
		s.tracker.stats.TransientErr++
		var invalid *unifiedllm.InvalidRequestError
		if errors.As(err, &invalid) {
			fmt.Fprintln(s.out, "Code error, try again")
		}
		return true, err
	case unifiedllm.DecisionStop:
		return true, nil
	default:
		s.history = append(s.history, NewSteeringTurn(loopErrorPrefix+err.Error()))
		if s.cfg.Verbose {
			fmt.Fprintln(s.out, "EXCEPTION while block:", err)
		}
		return false, nil
	}
}

func (s *Session) retryNotice(err error, delay time.Duration) string {
	secs := int(delay.Round(time.Second).Seconds())
	var rl *unifiedllm.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Sprintf("Request per minute limit exceeded, wait %d seconds...", secs)
	}
	name := "The model"
	if s.cfg.Provider == "" || s.cfg.Provider == "gemini" {
		name = "Gemini"
	}
	return fmt.Sprintf("%s is temporarily unavailable, wait %d seconds...", name, secs)
}

// handleCall gates, dispatches and accounts for one function call.
func (s *Session) handleCall(ctx context.Context, tc unifiedllm.ToolCall) unifiedllm.ToolResultData {
	idx := s.tracker.nextCall()
	kind, known := ParseToolKind(tc.Name)

	args, err := ParseToolArguments(tc.Arguments)
	if err != nil {
		s.logger.Warn("unparseable function arguments", zap.String("tool", tc.Name), zap.Error(err))
		args = map[string]any{}
	}
	in := s.toolInput(kind, args)
	s.printCall(tc)
	s.emitter.Emit(EventToolCallStart, map[string]any{"tool": tc.Name, "index": idx})

	var env Envelope
	switch denial := s.admit(known, kind, in); {
	case denial != nil && denial.Kind == KindThrottled:
		env = *denial
		s.tracker.blocked(idx, env)
		s.echoFlow("THROTTLE", env)
	case denial != nil:
		env = *denial
		s.tracker.dispatched(idx, kind, env)
		s.echoFlow("DENY", env)
	default:
		env = s.dispatch(ctx, known, tc.Name, &in)
		if known {
			s.gate.Observe(kind, in, env)
		}
		s.tracker.dispatched(idx, kind, env)
		s.afterDispatch(kind, in, env)
	}

	if env.Kind.Flow() {
		s.emitter.Emit(EventFlowBlocked, map[string]any{"tool": tc.Name, "index": idx, "kind": string(env.Kind)})
	}
	s.emitter.Emit(EventToolCallEnd, map[string]any{"tool": tc.Name, "index": idx, "status": env.Status()})
	s.logger.Debug("function call",
		zap.Int("index", idx),
		zap.String("tool", tc.Name),
		zap.String("kind", string(env.Kind)))

	s.calls = append(s.calls, s.callRecord(tc.Name, in, env))
	return unifiedllm.ToolResultData{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Content:    env.JSON(),
		IsError:    !env.OK,
	}
}

func (s *Session) admit(known bool, kind ToolKind, in ToolInput) *Envelope {
	if !known {
		return nil
	}
	return s.gate.Admit(kind, in)
}

// dispatch resolves the working directory of the call and runs it.
func (s *Session) dispatch(ctx context.Context, known bool, name string, in *ToolInput) Envelope {
	if known {
		wd, err := s.workingDirectory(in.RawWorkingDirectory)
		if err != nil {
			return Envelope{Kind: KindError, Tool: name, Payload: "Error: " + err.Error()}
		}
		in.WorkingDirectory = wd
	}
	env := s.dispatcher.Dispatch(ctx, name, *in)
	if s.cfg.Verbose {
		fmt.Fprintf(s.out, "-> %s\n", env.JSON())
	}
	return env
}

func (s *Session) afterDispatch(kind ToolKind, in ToolInput, env Envelope) {
	if !env.OK {
		if kind == ToolApply && s.cfg.EchoIO {
			fmt.Fprintln(s.out, "-> APPLY failed: flags left unchanged")
		}
		return
	}
	switch kind {
	case ToolPropose:
		s.proposals = append(s.proposals, runstore.NewProposal(in.FilePath, in.Content, in.RawWorkingDirectory, s.run.ID))
	case ToolApply:
		if s.cfg.EchoIO {
			t := targetOf(in)
			fmt.Fprintf(s.out, "-> APPLY success: applied (%s, %d); pending left=%d\n",
				t.FilePath, t.ContentLen, len(s.gate.State().Pending))
		}
	}
}

// toolInput normalises the arguments of a call. An apply without a path
// and content reuses the last proposal of the previous run.
func (s *Session) toolInput(kind ToolKind, args map[string]any) ToolInput {
	in := ToolInput{RunID: s.run.ID, Args: args}
	in.RawWorkingDirectory, _ = GetStringArg(args, "working_directory")
	in.FilePath, _ = GetStringArg(args, "file_path")
	in.Directory, _ = GetStringArg(args, "directory")
	in.Content, in.HasContent = GetStringArg(args, "content")

	p := s.previous.Proposal
	if kind != ToolApply || s.cfg.Reset || p == nil || p.FilePath == "" {
		return in
	}
	if in.FilePath != "" || in.HasContent {
		return in
	}
	if p.Content == "" && (p.ContentLen == nil || *p.ContentLen != 0) {
		return in
	}
	in.FilePath = p.FilePath
	in.Content = p.Content
	in.HasContent = true
	if in.RawWorkingDirectory == "" {
		in.RawWorkingDirectory = p.WorkingDirectory
	}
	injected := make(map[string]any, len(args)+3)
	for k, v := range args {
		injected[k] = v
	}
	injected["file_path"] = in.FilePath
	injected["content"] = in.Content
	if in.RawWorkingDirectory != "" {
		injected["working_directory"] = in.RawWorkingDirectory
	}
	in.Args = injected
	s.logger.Debug("injected previous proposal into apply", zap.String("file", in.FilePath))
	return in
}

// workingDirectory maps the model's working_directory onto the sandbox.
func (s *Session) workingDirectory(raw string) (string, error) {
	if s.cfg.Demo {
		return filepath.Join(s.cfg.ProjectRoot, s.cfg.DemoDir), nil
	}
	root := filepath.Join(s.cfg.ProjectRoot, s.cfg.CodeDir)
	if raw == "" {
		return root, nil
	}
	return runstore.Resolve(root, raw)
}

func (s *Session) callRecord(name string, in ToolInput, env Envelope) runstore.CallRecord {
	args := runstore.CallArgs{
		WorkingDirectory: in.RawWorkingDirectory,
		FilePath:         in.FilePath,
		Directory:        in.Directory,
	}
	if in.HasContent {
		n := targetOf(in).ContentLen
		args.ContentLen = &n
	}
	extras := env.Extras
	if extras == nil {
		extras = map[string]any{}
	}
	return runstore.CallRecord{
		Tool:   name,
		Args:   args,
		Status: env.Status(),
		Brief:  runstore.Brief(env.Brief(), callBriefLen),
		Extras: extras,
	}
}

func (s *Session) printCall(tc unifiedllm.ToolCall) {
	if s.cfg.Verbose {
		fmt.Fprintf(s.out, "Calling function: %s(%s)\n", tc.Name, string(tc.Arguments))
		return
	}
	fmt.Fprintf(s.out, " - Calling function: %s\n", tc.Name)
}

func (s *Session) echoFlow(label string, env Envelope) {
	if !s.cfg.EchoIO || env.Error == nil {
		return
	}
	fmt.Fprintf(s.out, "-> %s %s: %s:%s %s (next: %s)\n",
		label, env.Tool, env.Error.Type, env.Error.Reason, env.Error.Message, env.Error.NextAction)
}

func (s *Session) echoLastMessages() {
	messages := ConvertHistoryToMessages(s.history)
	if len(messages) > 3 {
		messages = messages[len(messages)-3:]
	}
	fmt.Fprintln(s.out, "\n--- LAST MESSAGES ---")
	for _, m := range messages {
		var parts []string
		for _, p := range m.Content {
			switch {
			case p.Kind == unifiedllm.ContentText:
				parts = append(parts, p.Text)
			case p.Kind == unifiedllm.ContentToolCall && p.ToolCall != nil:
				parts = append(parts, fmt.Sprintf("[FunctionCall] %s %s", p.ToolCall.Name, p.ToolCall.Arguments))
			case p.Kind == unifiedllm.ContentToolResult && p.ToolResult != nil:
				parts = append(parts, fmt.Sprintf("[FunctionResponse] %s %s", p.ToolResult.Name, p.ToolResult.Content))
			}
		}
		fmt.Fprintf(s.out, "[%s] → %s\n", m.Role, strings.Join(parts, "\n"))
	}
}

func (s *Session) result(prompt string) *RunResult {
	outcome, message := Classify(s.tracker.stats, s.tracker.order, s.tracker.flowErrors)
	return &RunResult{
		RunID:          s.run.ID,
		SessionID:      s.id,
		Prompt:         prompt,
		Stats:          s.tracker.stats,
		Order:          s.tracker.order,
		FlowErrors:     s.tracker.flowErrors,
		Calls:          s.calls,
		Proposals:      s.proposals,
		LastText:       s.lastText,
		Usage:          s.usage,
		Outcome:        outcome,
		OutcomeMessage: message,
		Gating:         s.gate.State(),
	}
}

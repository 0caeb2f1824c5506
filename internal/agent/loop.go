package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"browseragent/internal/action"
	"browseragent/internal/config"
	"browseragent/internal/eventbus"
	"browseragent/internal/frame"
	"browseragent/internal/llm"
	"browseragent/internal/quiz"
	"browseragent/internal/recorder"
	"browseragent/internal/snapshot"

	"browseragent/internal/browser"
)

// ConfirmFunc gates a destructive action behind caller approval; it is only
// consulted when Config.RequireConfirmationForDestructive is set. Returning
// (false, nil) skips the action without failing the step.
type ConfirmFunc func(ctx context.Context, a action.Action) (bool, error)

// Result is what Run reports back once a command's step loop ends, one way
// or another.
type Result struct {
	Done     bool
	Stopped  bool
	Summary  string
	Steps    int
	QuizMode bool
}

// Loop drives one tab through the perceive -> deliberate -> act cycle for a
// single natural-language command (spec.md §4.7).
type Loop struct {
	Tab        browser.TabHandle
	Coord      *frame.Coordinator
	Executor   *action.Executor
	Dispatcher *llm.Dispatcher
	Bus        *eventbus.Bus
	State      *ExecutionState
	Recorder   *recorder.Recorder

	Agent   config.AgentConfig
	Confirm ConfirmFunc

	// Docker is an opt-in collaborator (nil unless config.DockerConfig.Enabled)
	// that enriches provider/frame failures with correlated container logs.
	Docker *DockerDiagnostics

	// Page enriches action failures with recent toast/console/network facts
	// already streaming through the shared facts.Engine; nil when facts
	// collection is disabled.
	Page *PageDiagnostics
}

// destructiveKeywords mirrors a vocabulary-based destructive-action filter:
// an action is treated as destructive if its selector/text/value mentions
// any of these, in English or a handful of other languages sites use them
// in, not because the action Kind itself is special.
var destructiveKeywords = []string{
	"delete", "удалить", "remove", "clear",
	"payment", "buy", "purchase", "checkout", "pay",
	"submit", "confirm", "cancel", "archive", "unsubscribe", "spam",
}

func isDestructive(a action.Action) bool {
	haystack := strings.ToLower(a.Selector + " " + a.Text + " " + a.Value)
	for _, kw := range destructiveKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func describeAction(a action.Action) string {
	switch a.Type {
	case action.Click:
		return fmt.Sprintf("click %s", a.Selector)
	case action.TypeText:
		return fmt.Sprintf("type %q into %s", a.Text, a.Selector)
	case action.Navigate:
		return fmt.Sprintf("navigate to %s", a.URL)
	case action.Drag:
		return fmt.Sprintf("drag %s to %s", a.FromSelector, a.ToSelector)
	default:
		return string(a.Type)
	}
}

func containsClick(actions []action.Action) bool {
	for _, a := range actions {
		if a.Type == action.Click {
			return true
		}
	}
	return false
}

// Run executes one command to completion, to a step-budget cutoff, or to a
// cooperative stop. Only one command may be in flight per ExecutionState; a
// concurrent call returns ErrBusy immediately.
func (l *Loop) Run(ctx context.Context, command string) (Result, error) {
	if !l.State.TryStart() {
		return Result{}, &LoopError{Kind: ErrBusy, Message: "a command is already executing"}
	}
	defer l.State.Finish()

	l.Bus.PublishExecutionState(true)
	l.Bus.PublishStatus(eventbus.StatusBusy, command)
	defer l.Bus.PublishExecutionState(false)

	l.logEvent(recorder.StepEvent{Kind: recorder.EventCommandStart, Command: command})

	quizMode := false
	var previousMap string
	var lastSearchedKey string
	var bufferedSearchResult string
	var screenshot string

	step := 0
	for {
		if step >= l.Agent.MaxSteps(quizMode) {
			l.Bus.PublishStatus(eventbus.StatusReady, "step budget exhausted")
			return Result{Done: false, Steps: step, QuizMode: quizMode}, nil
		}
		if l.State.ShouldStop() {
			return l.stopped(step, quizMode)
		}

		if quizMode {
			if err := l.Coord.InjectAll(ctx); err != nil {
				l.Bus.PublishActionLog(eventbus.LogError, "probe injection: "+err.Error())
			}
		}

		merged, err := l.collect(ctx, quizMode)
		if err != nil {
			if step == 0 {
				loopErr := &LoopError{Kind: ErrFrameTimeout, Message: err.Error()}
				l.Docker.Annotate(ctx, loopErr)
				return Result{}, loopErr
			}
			logMsg := "snapshot: " + err.Error()
			if lines := l.Docker.Correlate(ctx); len(lines) > 0 {
				logMsg += " | correlated: " + strings.Join(lines, "; ")
			}
			l.Bus.PublishActionLog(eventbus.LogError, logMsg)
			merged = previousMap
		}

		displayMap := merged
		if quizMode && step > 0 && previousMap != "" {
			displayMap = snapshot.ComputeDiff(previousMap, merged)
		}
		previousMap = merged

		needsVision := quiz.NeedsVision(merged)
		if needsVision && screenshot == "" {
			if shot, err := l.Tab.CaptureScreenshot(ctx); err == nil {
				screenshot = shot
			}
		}

		pc := llm.PageContext{
			URL:         l.Tab.URL(),
			Title:       l.Tab.Title(),
			VisualMap:   displayMap,
			Screenshot:  screenshot,
			NeedsVision: needsVision,
		}

		if step == 0 && !quizMode && quiz.Detect(merged, pc.URL, pc.Title) {
			quizMode = true
			l.Bus.PublishActionLog(eventbus.LogInfo, "quiz mode detected")
		}

		if quizMode && l.Dispatcher.Search != nil {
			key := quiz.StableQuestionKey(merged)
			if key != "" && key != lastSearchedKey {
				if qtext := quiz.ExtractQuestionText(merged); qtext != "" {
					if result, err := l.Dispatcher.RunSearch(ctx, qtext); err == nil {
						bufferedSearchResult = result
					}
				}
				lastSearchedKey = key
			}
		}

		userMsg := l.buildUserMessage(command, step, quizMode, displayMap)
		if bufferedSearchResult != "" {
			userMsg += "\n\n=== SEARCH RESULTS ===\n" + bufferedSearchResult
			bufferedSearchResult = ""
		}

		mode := llm.ModeNormal
		if quizMode {
			mode = llm.ModeQuiz
		}

		decision, ok, err := l.decide(ctx, userMsg, pc, mode, command)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			if step == 0 {
				return Result{}, &LoopError{Kind: ErrProviderJSONValidate, Message: "no usable plan after retries"}
			}
			l.Bus.PublishActionLog(eventbus.LogError, "step produced no actionable plan, continuing")
			step++
			continue
		}
		l.logEvent(recorder.StepEvent{Kind: recorder.EventModelDecision, Step: step, Mode: string(mode), Done: decision.Done, Summary: decision.Summary})

		if decision.Mode == "quiz" {
			quizMode = true
		}
		if decision.Mode == "normal" && decision.Done {
			quizMode = false
		}

		brokeAt, stopped := l.executeBatch(ctx, decision.Actions, quizMode)
		if stopped {
			return l.stopped(step, quizMode)
		}

		if decision.Done && !(quizMode && brokeAt == action.Snapshot) {
			l.Bus.PublishStatus(eventbus.StatusReady, decision.Summary)
			l.logEvent(recorder.StepEvent{Kind: recorder.EventCommandDone, Step: step + 1, Summary: decision.Summary, Done: true})
			return Result{Done: true, Summary: decision.Summary, Steps: step + 1, QuizMode: quizMode}, nil
		}

		screenshot = ""

		pause := 800 * time.Millisecond
		if quizMode && containsClick(decision.Actions) {
			pause = 2500 * time.Millisecond
		}
		time.Sleep(pause)
		step++
	}
}

func (l *Loop) stopped(step int, quizMode bool) (Result, error) {
	l.Bus.PublishStatus(eventbus.StatusReady, "stopped")
	l.logEvent(recorder.StepEvent{Kind: recorder.EventCommandStopped, Step: step})
	return Result{Stopped: true, Steps: step, QuizMode: quizMode}, nil
}

func (l *Loop) collect(ctx context.Context, quizMode bool) (string, error) {
	if quizMode {
		return snapshot.CollectWithRetry(ctx, l.Coord, true, 4, 1750*time.Millisecond)
	}
	return snapshot.CollectAllFrames(ctx, l.Coord)
}

// decide runs the inner retry loop: up to three attempts, dropping the last
// exchange and reprompting with a corrective nudge whenever a reply carries
// neither a real action nor done=true. A provider-json-validate failure
// clears history once and retries with a minimal restatement of the command
// before giving up.
func (l *Loop) decide(ctx context.Context, userMsg string, pc llm.PageContext, mode llm.Mode, command string) (llm.ModelDecision, bool, error) {
	msg := userMsg
	for attempt := 0; attempt < 3; attempt++ {
		if l.State.ShouldStop() {
			return llm.ModelDecision{}, false, nil
		}

		dec, err := l.Dispatcher.Send(ctx, msg, pc, mode)
		if err != nil {
			var de *llm.DispatchError
			if errors.As(err, &de) && errors.Is(de.Kind, llm.ErrMalformedJSON) && attempt == 0 {
				l.Dispatcher.ResetHistory()
				msg = command
				continue
			}
			return llm.ModelDecision{}, false, l.wrapProviderErr(ctx, err)
		}

		if dec.HasRealActions() || dec.Done {
			return dec, true, nil
		}

		hist := l.Dispatcher.History()
		if len(hist) >= 2 {
			l.Dispatcher.SetHistory(hist[:len(hist)-2])
		}
		msg = "Your previous reply had no usable actions. Re-read the page map and propose at least one concrete action, or set done=true with a summary if the command is already satisfied."
	}
	return llm.ModelDecision{}, false, nil
}

// executeBatch runs one step's actions in order, stopping at the first
// break-point action or cooperative-stop request.
func (l *Loop) executeBatch(ctx context.Context, actions []action.Action, quizMode bool) (action.Kind, bool) {
	var brokeAt action.Kind
	for _, a := range actions {
		if l.State.ShouldStop() {
			return brokeAt, true
		}

		if l.Agent.RequireConfirmationForDestructive && l.Confirm != nil && isDestructive(a) {
			ok, err := l.Confirm(ctx, a)
			if err != nil || !ok {
				l.Bus.PublishActionLog(eventbus.LogInfo, "skipped (not confirmed): "+describeAction(a))
				continue
			}
		}

		l.Bus.PublishActionLog(eventbus.LogPending, describeAction(a))
		res := l.Executor.Execute(ctx, a, quizMode)
		if toasts := l.Page.RecentToasts(); len(toasts) > 0 {
			l.Bus.PublishActionLog(eventbus.LogInfo, "toast detected: "+strings.Join(toasts, "; "))
		}
		if res.Success {
			l.Bus.PublishActionLog(eventbus.LogSuccess, describeAction(a))
		} else {
			logMsg := describeAction(a) + ": " + res.Error
			if lines := l.Docker.Correlate(ctx); len(lines) > 0 {
				logMsg += " | correlated: " + strings.Join(lines, "; ")
			}
			if lines := l.Page.RecentFailureCauses(); len(lines) > 0 {
				logMsg += " | possible cause: " + strings.Join(lines, "; ")
			}
			l.Bus.PublishActionLog(eventbus.LogError, logMsg)
		}
		l.logEvent(recorder.StepEvent{Kind: recorder.EventActionResult, Action: string(a.Type), Success: res.Success, Error: res.Error})

		if action.IsBreakPoint(a, quizMode) {
			brokeAt = a.Type
			if a.Type == action.Drag {
				time.Sleep(800 * time.Millisecond)
			}
			break
		}
	}
	return brokeAt, false
}

func (l *Loop) buildUserMessage(command string, step int, quizMode bool, pageMap string) string {
	var b strings.Builder
	if step == 0 {
		b.WriteString(command)
	} else if quizMode {
		b.WriteString("Continue the assessment. Handle exactly one item: verify your previous action landed, then either act on the current item or click Next/Submit if it is already answered.")
	} else {
		b.WriteString("Continue the task. Decide the next action(s) from the current page state, or set done=true if it is complete.")
	}
	b.WriteString("\n\n<visual_page_map>\n")
	b.WriteString(pageMap)
	b.WriteString("\n</visual_page_map>")
	return b.String()
}

func (l *Loop) wrapProviderErr(ctx context.Context, err error) error {
	loopErr := classifyProviderErr(err)
	l.Docker.Annotate(ctx, loopErr)
	return loopErr
}

func classifyProviderErr(err error) *LoopError {
	var de *llm.DispatchError
	if errors.As(err, &de) {
		switch {
		case errors.Is(de.Kind, llm.ErrInvalidKey):
			return &LoopError{Kind: ErrProviderAuth, Message: de.Message}
		case errors.Is(de.Kind, llm.ErrModelNotFound):
			return &LoopError{Kind: ErrProviderModelMissing, Message: de.Message}
		case errors.Is(de.Kind, llm.ErrRateLimited), errors.Is(de.Kind, llm.ErrProviderStatus), errors.Is(de.Kind, llm.ErrNoContent):
			return &LoopError{Kind: ErrProviderTransport, Message: de.Message}
		case errors.Is(de.Kind, llm.ErrMalformedJSON):
			return &LoopError{Kind: ErrProviderJSONValidate, Message: de.Message}
		}
	}
	return &LoopError{Kind: ErrProviderTransport, Message: err.Error()}
}

// logEvent stamps ev with the current tab as its session id and hands it to
// the flight recorder, a no-op when none is wired.
func (l *Loop) logEvent(ev recorder.StepEvent) {
	if l.Recorder == nil {
		return
	}
	ev.SessionID = l.Tab.ID()
	l.Recorder.Log(ev)
}

package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/agentgate/internal/config"
	"github.com/lucasnoah/agentgate/internal/executor"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// scriptedRunner answers each phase with the next scripted raw output and
// parses it the way the executor would.
type scriptedRunner struct {
	mu      sync.Mutex
	outputs map[pipeline.Phase][]string
	errs    map[pipeline.Phase]error
	prompts map[pipeline.Phase][]string
	block   chan struct{} // when set, every call waits for it
	entered chan struct{}
}

func newScript(outputs map[pipeline.Phase][]string) *scriptedRunner {
	return &scriptedRunner{outputs: outputs, errs: map[pipeline.Phase]error{}, prompts: map[pipeline.Phase][]string{}}
}

func (r *scriptedRunner) Run(ctx context.Context, call executor.Call) (executor.Result, error) {
	r.mu.Lock()
	r.prompts[call.Phase] = append(r.prompts[call.Phase], call.Prompt)
	block, entered := r.block, r.entered
	err := r.errs[call.Phase]
	var raw string
	if q := r.outputs[call.Phase]; len(q) > 0 {
		raw = q[0]
		r.outputs[call.Phase] = q[1:]
	} else if err == nil {
		err = errors.New("script exhausted for " + string(call.Phase))
	}
	r.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.Result{Attempts: 1}, ctx.Err()
		}
	}
	if err != nil {
		return executor.Result{Attempts: 3}, err
	}
	out, perr := call.Parse.Parse(raw)
	if perr != nil {
		return executor.Result{Raw: raw, Attempts: 3}, perr
	}
	return executor.Result{Raw: raw, Output: out, Attempts: 1}, nil
}

func (r *scriptedRunner) promptsFor(p pipeline.Phase) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts[p]...)
}

var preamble = map[pipeline.Phase][]string{
	pipeline.PhaseDiscovery:  {"A todo app.\nDISCOVERY: BRIEF"},
	pipeline.PhaseAnalyst:    {"1. add todos\nANALYSIS: COMPLETE"},
	pipeline.PhaseArchitect:  {"single binary\nDESIGN: COMPLETE"},
	pipeline.PhaseTestWriter: {"todo_test.go\nTESTS: WRITTEN"},
	pipeline.PhaseDelivery:   {"Todo app built.\nLOCATION: /ws/s1\nDELIVERY: COMPLETE"},
}

func script(extra map[pipeline.Phase][]string) *scriptedRunner {
	out := map[pipeline.Phase][]string{}
	for p, v := range preamble {
		out[p] = append([]string(nil), v...)
	}
	for p, v := range extra {
		out[p] = append(out[p], v...)
	}
	return newScript(out)
}

func newSession(t *testing.T, store pipeline.ChainStore) *Session {
	t.Helper()
	now := time.Now().UTC()
	cs := pipeline.NewChainState(pipeline.BuildSession{
		ID: "s1", Requester: "alice", Request: "build me a todo app",
		Status: pipeline.StatusRunning, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, store.Save(context.Background(), cs))
	return NewSession(cs)
}

func newEngine(r Runner, store pipeline.ChainStore) *Engine {
	return NewEngine(r, store, config.Default(), WithWorkspace(func(id string) string { return "/ws/" + id }))
}

// drive steps the session until it finishes or a step fails.
func drive(t *testing.T, e *Engine, sess *Session) error {
	t.Helper()
	for i := 0; i < 50; i++ {
		snap := sess.Snapshot()
		next, done := snap.NextPhase()
		if done {
			return nil
		}
		res, err := e.Step(context.Background(), sess, next)
		if err != nil {
			return err
		}
		if res.Done {
			return nil
		}
	}
	t.Fatal("pipeline did not finish")
	return nil
}

func load(t *testing.T, store pipeline.ChainStore) *pipeline.ChainState {
	t.Helper()
	cs, found, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, found)
	return cs
}

func TestHappyPath(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(map[pipeline.Phase][]string{
		pipeline.PhaseDeveloper:    {"main.go\nIMPLEMENTATION: COMPLETE"},
		pipeline.PhaseVerification: {"VERIFICATION: PASS"},
		pipeline.PhaseReview:       {"REVIEW: APPROVED"},
	})
	e := newEngine(r, store)

	require.NoError(t, drive(t, e, newSession(t, store)))

	cs := load(t, store)
	assert.Equal(t, pipeline.StatusSucceeded, cs.Status)
	assert.Equal(t, pipeline.PhaseDelivery, cs.Phase)
	assert.Equal(t, "/ws/s1", cs.Artifacts.Summary.Location)
	assert.Equal(t, "1. add todos", cs.Artifacts.Brief.Text, "analyst refines the brief")

	var phases []pipeline.Phase
	for _, rec := range cs.History {
		phases = append(phases, rec.Phase)
		assert.Equal(t, pipeline.OutcomeSuccess, rec.Outcome)
	}
	assert.Equal(t, pipeline.Phases, phases, "no phase is skipped")

	assert.Contains(t, r.promptsFor(pipeline.PhaseArchitect)[0], "1. add todos")
	assert.Contains(t, r.promptsFor(pipeline.PhaseDeveloper)[0], "/ws/s1")
}

func TestVerificationFailFailPass(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(map[pipeline.Phase][]string{
		pipeline.PhaseDeveloper: {
			"v1\nIMPLEMENTATION: COMPLETE",
			"v2\nIMPLEMENTATION: COMPLETE",
			"v3\nIMPLEMENTATION: COMPLETE",
		},
		pipeline.PhaseVerification: {
			"VERIFICATION: FAIL | tests do not compile",
			"VERIFICATION: FAIL | TestAdd fails",
			"VERIFICATION: PASS",
		},
		pipeline.PhaseReview: {"REVIEW: APPROVED"},
	})
	e := newEngine(r, store)

	require.NoError(t, drive(t, e, newSession(t, store)))

	cs := load(t, store)
	assert.Equal(t, pipeline.StatusSucceeded, cs.Status)
	assert.Equal(t, 2, cs.QAAttempts)
	assert.Equal(t, 0, cs.ReviewAttempts)
	assert.Equal(t, 3, cs.Attempts(pipeline.PhaseDeveloper))

	dev := r.promptsFor(pipeline.PhaseDeveloper)
	require.Len(t, dev, 3)
	assert.NotContains(t, dev[0], "tests do not compile")
	assert.Contains(t, dev[1], "tests do not compile")
	assert.Contains(t, dev[2], "TestAdd fails")
}

func TestVerificationBudgetExhausted(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(map[pipeline.Phase][]string{
		pipeline.PhaseDeveloper: {
			"v1\nIMPLEMENTATION: COMPLETE",
			"v2\nIMPLEMENTATION: COMPLETE",
			"v3\nIMPLEMENTATION: COMPLETE",
		},
		pipeline.PhaseVerification: {
			"VERIFICATION: FAIL | a",
			"VERIFICATION: FAIL | b",
			"VERIFICATION: FAIL | c",
		},
	})
	e := newEngine(r, store)

	err := drive(t, e, newSession(t, store))
	var rbe *RetryBudgetExhausted
	require.ErrorAs(t, err, &rbe)
	assert.Equal(t, LoopVerification, rbe.Loop)
	assert.Equal(t, 3, rbe.Attempts)
	assert.Equal(t, "c", rbe.Feedback)

	cs := load(t, store)
	assert.Equal(t, pipeline.StatusFailed, cs.Status)
	assert.Equal(t, 3, cs.QAAttempts)
	assert.Equal(t, "c", cs.Feedback)
	assert.Equal(t, 0, cs.Attempts(pipeline.PhaseReview), "review never runs")
}

func TestReviewBudgetExhausted(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(map[pipeline.Phase][]string{
		pipeline.PhaseDeveloper: {
			"v1\nIMPLEMENTATION: COMPLETE",
			"v2\nIMPLEMENTATION: COMPLETE",
		},
		pipeline.PhaseVerification: {"VERIFICATION: PASS", "VERIFICATION: PASS"},
		pipeline.PhaseReview: {
			"REVIEW: CHANGES_REQUESTED | add input validation",
			"REVIEW: CHANGES_REQUESTED | handle empty titles",
		},
	})
	e := newEngine(r, store)

	err := drive(t, e, newSession(t, store))
	var rbe *RetryBudgetExhausted
	require.ErrorAs(t, err, &rbe)
	assert.Equal(t, LoopReview, rbe.Loop)
	assert.Equal(t, "handle empty titles", rbe.Feedback)

	cs := load(t, store)
	assert.Equal(t, pipeline.StatusFailed, cs.Status)
	assert.Equal(t, 2, cs.ReviewAttempts)
	assert.Equal(t, 0, cs.QAAttempts)
	assert.Equal(t, "handle empty titles", cs.Feedback)
	assert.Equal(t, 2, cs.Attempts(pipeline.PhaseVerification), "changes requested re-enters verification")
	assert.Contains(t, r.promptsFor(pipeline.PhaseDeveloper)[1], "add input validation")
}

func TestExecutorFailureFailsSession(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(nil)
	r.errs[pipeline.PhaseArchitect] = &executor.PhaseExecutionError{Agent: "architect", Attempts: 3, Err: executor.ErrTransport}
	e := newEngine(r, store)

	err := drive(t, e, newSession(t, store))
	var xerr *executor.PhaseExecutionError
	require.ErrorAs(t, err, &xerr)

	cs := load(t, store)
	assert.Equal(t, pipeline.StatusFailed, cs.Status)
	assert.Equal(t, pipeline.PhaseArchitect, cs.Session.Phase)
	assert.Equal(t, pipeline.PhaseAnalyst, cs.Phase, "last completed phase is unchanged")
	last, ok := cs.LastRecord()
	require.True(t, ok)
	assert.Equal(t, pipeline.OutcomeError, last.Outcome)
	assert.Equal(t, 3, last.Tries)
}

func TestParseErrorAfterBudgetFailsSession(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(nil)
	r.outputs[pipeline.PhaseAnalyst] = []string{"I am not sure what to do."}
	e := newEngine(r, store)

	err := drive(t, e, newSession(t, store))
	require.Error(t, err)
	assert.Equal(t, pipeline.StatusFailed, load(t, store).Status)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(nil)
	r.block = make(chan struct{})
	r.entered = make(chan struct{}, 1)
	e := newEngine(r, store)
	sess := newSession(t, store)

	done := make(chan error, 1)
	go func() {
		_, err := e.Step(context.Background(), sess, pipeline.PhaseDiscovery)
		done <- err
	}()
	<-r.entered

	ok, err := sess.Cancel(context.Background(), store, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pipeline.StatusCancelled, load(t, store).Status, "cancel persists immediately")

	close(r.block)
	assert.ErrorIs(t, <-done, pipeline.ErrCancelledByUser)

	cs := load(t, store)
	assert.Equal(t, pipeline.StatusCancelled, cs.Status)
	assert.Empty(t, cs.History, "late result is discarded")
	assert.Nil(t, cs.Artifacts.Brief)

	_, err = e.Step(context.Background(), sess, pipeline.PhaseDiscovery)
	assert.ErrorIs(t, err, pipeline.ErrCancelledByUser)
}

func TestCancelTerminalSessionIsNoop(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	sess := newSession(t, store)
	require.NoError(t, newEngine(script(nil), store).Fail(context.Background(), sess, errors.New("boom")))

	ok, err := sess.Cancel(context.Background(), store, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, pipeline.StatusFailed, load(t, store).Status)
}

func TestContextCancellationLeavesSessionRunning(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(nil)
	r.block = make(chan struct{})
	e := newEngine(r, store)
	sess := newSession(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Step(ctx, sess, pipeline.PhaseDiscovery)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pipeline.StatusRunning, load(t, store).Status)
}

func TestDiscoveryClarificationRounds(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(nil)
	r.outputs[pipeline.PhaseDiscovery] = []string{
		"DISCOVERY: CLARIFY | Which database?",
		"DISCOVERY: CLARIFY | Web or CLI?",
		"Postgres CLI app.\nDISCOVERY: BRIEF",
	}
	e := newEngine(r, store)
	sess := newSession(t, store)
	ctx := context.Background()

	res, err := e.Step(ctx, sess, pipeline.PhaseDiscovery)
	require.NoError(t, err)
	require.NotNil(t, res.Output.Clarification)
	assert.Equal(t, pipeline.PhaseDiscovery, res.Next)
	require.NoError(t, e.RecordAnswer(ctx, sess, "postgres"))

	_, err = e.Step(ctx, sess, pipeline.PhaseDiscovery)
	require.NoError(t, err)

	res, err = e.Step(ctx, sess, pipeline.PhaseDiscovery)
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhaseAnalyst, res.Next)

	prompts := r.promptsFor(pipeline.PhaseDiscovery)
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "final discovery round")
	assert.Contains(t, prompts[1], "Q: Which database?\nA: postgres")
	assert.Contains(t, prompts[2], "final discovery round")
	assert.Contains(t, prompts[2], "(no answer; state your assumptions)")

	cs := load(t, store)
	assert.Equal(t, 3, cs.DiscoveryRounds)
	assert.Len(t, cs.Clarifications, 2)
	assert.Equal(t, "Postgres CLI app.", cs.Artifacts.Brief.Text)
}

func TestStepRejectsOutOfOrderPhase(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	e := newEngine(script(nil), store)
	_, err := e.Step(context.Background(), newSession(t, store), pipeline.PhaseReview)
	assert.Error(t, err)
	assert.Equal(t, pipeline.StatusRunning, load(t, store).Status)
}

func TestLoopStatePersisted(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())
	r := script(map[pipeline.Phase][]string{
		pipeline.PhaseDeveloper:    {"v1\nIMPLEMENTATION: COMPLETE"},
		pipeline.PhaseVerification: {"VERIFICATION: FAIL | broken"},
	})
	e := newEngine(r, store)
	sess := newSession(t, store)
	ctx := context.Background()
	for _, p := range pipeline.Phases[:6] {
		_, err := e.Step(ctx, sess, p)
		require.NoError(t, err)
	}
	cs := load(t, store)
	assert.Equal(t, pipeline.LoopDeveloping, cs.LoopState)
	assert.Equal(t, pipeline.PhaseDeveloper, cs.Session.Phase)
	assert.Equal(t, 1, cs.QAAttempts)
}

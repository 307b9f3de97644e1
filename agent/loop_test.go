package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbcopilot/nbcopilot/config"
	"github.com/nbcopilot/nbcopilot/dispatch"
	"github.com/nbcopilot/nbcopilot/history"
	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/notebook"
	"github.com/nbcopilot/nbcopilot/quota"
)

// scriptedProvider returns canned replies in order.
type scriptedProvider struct {
	replies  []string
	requests []llm.Request
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) Kind() llm.Kind       { return llm.KindOpenAI }
func (p *scriptedProvider) DefaultModel() string { return "gpt-5.2" }

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.replies) {
		return llm.Response{}, fmt.Errorf("no scripted reply for call %d", i)
	}
	return llm.Response{Content: p.replies[i], Usage: &llm.Usage{TotalTokens: 10}}, nil
}

func (p *scriptedProvider) Stream(context.Context, llm.Request, chan<- string) (*llm.Usage, error) {
	return nil, errors.New("not scripted")
}

// fakeHost records applied updates and scripts execution outcomes.
type fakeHost struct {
	updates    []CellUpdate
	tracebacks []string // traceback for the nth update, "" for success
	outputs    map[string]string
	snap       notebook.Snapshot
}

func (h *fakeHost) ApplyCellUpdate(_ context.Context, u CellUpdate) (ExecResult, error) {
	h.updates = append(h.updates, u)
	n := len(h.updates) - 1
	tb := ""
	if n < len(h.tracebacks) {
		tb = h.tracebacks[n]
	}
	id := u.ID
	if id == "" {
		id = fmt.Sprintf("cell-%d", n)
	}
	return ExecResult{CellID: id, Traceback: tb, Snapshot: h.snap}, nil
}

func (h *fakeHost) CellOutput(_ context.Context, id string) (string, error) {
	out, ok := h.outputs[id]
	if !ok {
		return "", fmt.Errorf("no such cell %s", id)
	}
	return out, nil
}

func (h *fakeHost) Snapshot(context.Context) (notebook.Snapshot, error) {
	return h.snap, nil
}

// purposeRecorder captures the purpose of every counted dispatch.
type purposeRecorder struct{ purposes []string }

func (r *purposeRecorder) RecordUsage(purpose, model string, usage llm.Usage) error {
	r.purposes = append(r.purposes, purpose)
	return nil
}

type fixture struct {
	loop     *Loop
	threads  *history.Store
	host     *fakeHost
	provider *scriptedProvider
	recorder *purposeRecorder
	user     *quota.UserContext
}

func newFixture(t *testing.T, replies []string) *fixture {
	t.Helper()
	qs, err := quota.Open(filepath.Join(t.TempDir(), "quota.json"), false)
	if err != nil {
		t.Fatal(err)
	}
	user := &quota.UserContext{UserID: "u1", Quota: qs}

	provider := &scriptedProvider{replies: replies}
	recorder := &purposeRecorder{}
	d := dispatch.New(provider, user, config.LLMConfig{MaxTokens: 4096, Temperature: 0.2}).
		WithUsageRecorder(recorder)

	threads, err := history.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	host := &fakeHost{
		snap: notebook.Snapshot{
			Cells:     []notebook.Cell{{ID: "c1", Kind: notebook.CellCode, Source: "df = pd.read_csv('a.csv')"}},
			Variables: map[string]string{"df": "DataFrame"},
		},
		outputs: map[string]string{},
	}

	return &fixture{
		loop:     New(d, threads, host, 25),
		threads:  threads,
		host:     host,
		provider: provider,
		recorder: recorder,
		user:     user,
	}
}

func finished(msg string) string {
	return fmt.Sprintf(`{"type":"agent_response","is_finished":true,"message":%q}`, msg)
}

func modifyCell(id, source string) string {
	return fmt.Sprintf(`{"is_finished":false,"message":"updating","cell_update":{"kind":"modify","id":%q,"source":%q}}`, id, source)
}

func TestSimpleCellReplacement(t *testing.T) {
	f := newFixture(t, []string{
		modifyCell("c1", "df = pd.read_parquet('a.parquet')"),
		finished("Switched the loader to parquet."),
	})

	res, err := f.loop.SubmitTask(context.Background(), "t1", "load the parquet file instead")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v", res.Status)
	}
	if res.Message != "Switched the loader to parquet." {
		t.Errorf("message = %q", res.Message)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d", res.Iterations)
	}

	if len(f.host.updates) != 1 || f.host.updates[0].ID != "c1" {
		t.Fatalf("updates = %+v", f.host.updates)
	}

	// Second dispatch saw the post-execution snapshot.
	last := f.provider.requests[1].Messages
	obs := last[len(last)-1]
	if obs.Role != "user" || !strings.Contains(obs.Content, "executed successfully") {
		t.Errorf("observation = %+v", obs)
	}
}

func TestErrorRepairSwitchesPurpose(t *testing.T) {
	f := newFixture(t, []string{
		modifyCell("c1", "df.resample('M')"),
		modifyCell("c1", "df.resample('ME')"),
		finished("Fixed the deprecated alias."),
	})
	f.host.tracebacks = []string{"FutureWarning: 'M' is deprecated\nValueError: bad alias", ""}

	res, err := f.loop.SubmitTask(context.Background(), "t1", "resample monthly")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v", res.Status)
	}

	// The dispatch after a traceback is tagged as auto error fixup.
	want := []string{"agent-execution", "agent-auto-error-fixup", "agent-execution"}
	if len(f.recorder.purposes) != len(want) {
		t.Fatalf("purposes = %v", f.recorder.purposes)
	}
	for i := range want {
		if f.recorder.purposes[i] != want[i] {
			t.Errorf("purpose[%d] = %q, want %q", i, f.recorder.purposes[i], want[i])
		}
	}

	// The fixup prompt carried the failing source and the traceback.
	msgs := f.provider.requests[1].Messages
	fixup := msgs[len(msgs)-1].Content
	if !strings.Contains(fixup, "ValueError") || !strings.Contains(fixup, "df.resample('M')") {
		t.Errorf("fixup message = %q", fixup)
	}
}

func TestParseFailureFeedsErrorBack(t *testing.T) {
	f := newFixture(t, []string{
		// Valid JSON object, invalid action: nothing set. The structured
		// salvage passes it through; the action parser rejects it.
		`{"is_finished":false,"message":"hmm"}`,
		finished("done"),
	})

	res, err := f.loop.SubmitTask(context.Background(), "t1", "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v", res.Status)
	}

	msgs := f.provider.requests[1].Messages
	correction := msgs[len(msgs)-1]
	if correction.Role != "user" || !strings.Contains(correction.Content, "could not be parsed") {
		t.Errorf("correction = %+v", correction)
	}
}

func TestQuestionPausesAndAnswerResumes(t *testing.T) {
	f := newFixture(t, []string{
		`{"is_finished":false,"message":"need input","question":"Which column is the date?"}`,
		finished("Filtered by order_date."),
	})

	res, err := f.loop.SubmitTask(context.Background(), "t1", "filter by date")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusAwaitingAnswer {
		t.Fatalf("status = %v", res.Status)
	}
	if res.Question != "Which column is the date?" {
		t.Errorf("question = %q", res.Question)
	}

	res, err = f.loop.SubmitAnswer(context.Background(), "t1", "order_date")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v", res.Status)
	}

	// The answer reached the model.
	msgs := f.provider.requests[1].Messages
	if msgs[len(msgs)-1].Content != "order_date" {
		t.Errorf("last message = %q", msgs[len(msgs)-1].Content)
	}
}

func TestGetCellOutput(t *testing.T) {
	f := newFixture(t, []string{
		`{"is_finished":false,"get_cell_output":{"id":"c1"}}`,
		finished("The mean is 4.2."),
	})
	f.host.outputs["c1"] = "mean: 4.2"

	res, err := f.loop.SubmitTask(context.Background(), "t1", "what is the mean?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v", res.Status)
	}

	msgs := f.provider.requests[1].Messages
	out := msgs[len(msgs)-1].Content
	if !strings.Contains(out, "mean: 4.2") {
		t.Errorf("output message = %q", out)
	}
}

func TestWebSearchFallsBackWithoutCapability(t *testing.T) {
	f := newFixture(t, []string{
		`{"is_finished":false,"web_search_query":"pandas resample alias"}`,
		finished("done"),
	})

	res, err := f.loop.SubmitTask(context.Background(), "t1", "look it up")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v", res.Status)
	}

	msgs := f.provider.requests[1].Messages
	result := msgs[len(msgs)-1]
	if !strings.Contains(result.Content, "not available") {
		t.Errorf("fallback message = %q", result.Content)
	}
	// Search results are the model's own research, not user input.
	if result.Role != "assistant" {
		t.Errorf("search result role = %q, want assistant", result.Role)
	}
}

func TestIterationLimit(t *testing.T) {
	replies := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		replies = append(replies, `{"is_finished":false,"get_cell_output":{"id":"c1"}}`)
	}
	f := newFixture(t, replies)
	f.host.outputs["c1"] = "still looking"
	f.loop.maxIterations = 3

	res, err := f.loop.SubmitTask(context.Background(), "t1", "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusIterationLimit {
		t.Fatalf("status = %v", res.Status)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d", res.Iterations)
	}
}

func TestCancellationLeavesThreadIntact(t *testing.T) {
	f := newFixture(t, []string{finished("never reached")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.loop.SubmitTask(ctx, "t1", "task")
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	// The task message was appended before the turn, but no assistant turn
	// followed it.
	model, err := f.threads.ModelHistory("t1")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range model {
		if m.Role == "assistant" {
			t.Fatalf("cancelled run appended an assistant turn: %q", m.Content)
		}
	}
}

func TestQuotaExhaustionStopsRun(t *testing.T) {
	f := newFixture(t, []string{finished("unreachable")})
	f.user.Quota.WithLimits(map[quota.Class]int{quota.ClassChat: 0, quota.ClassInline: 0})

	_, err := f.loop.SubmitTask(context.Background(), "t1", "task")
	if !errors.Is(err, quota.ErrExceeded) {
		t.Fatalf("err = %v, want ErrExceeded", err)
	}

	// The rejected submission must leave no trace: no thread is created and
	// nothing is appended.
	if _, err := f.threads.ModelHistory("t1"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("over-quota submission created a thread: err = %v", err)
	}
}

func TestSystemPromptMatchesSearchCapability(t *testing.T) {
	f := newFixture(t, []string{finished("done")})

	if _, err := f.loop.SubmitTask(context.Background(), "t1", "task"); err != nil {
		t.Fatal(err)
	}

	msgs := f.provider.requests[0].Messages
	if msgs[0].Role != "system" {
		t.Fatalf("first message role = %q", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "unavailable") {
		t.Error("provider without search must get the no-browser system prompt")
	}
}

func TestStaleSnapshotsTrimmedAtSendTime(t *testing.T) {
	f := newFixture(t, []string{
		modifyCell("c1", "step one"),
		modifyCell("c1", "step two"),
		finished("done"),
	})

	if _, err := f.loop.SubmitTask(context.Background(), "t1", "two steps"); err != nil {
		t.Fatal(err)
	}

	// The third dispatch sees two snapshot observations; the older one must
	// carry the stale placeholder, the newer one the real state.
	msgs := f.provider.requests[2].Messages
	var snapshots []string
	for _, m := range msgs {
		if strings.Contains(m.Content, "executed successfully") {
			snapshots = append(snapshots, m.Content)
		}
	}
	if len(snapshots) != 2 {
		t.Fatalf("snapshot observations = %d", len(snapshots))
	}
	if !strings.Contains(snapshots[0], "stale") {
		t.Error("older snapshot not trimmed")
	}
	if strings.Contains(snapshots[1], "stale") {
		t.Error("latest snapshot must not be trimmed")
	}
}

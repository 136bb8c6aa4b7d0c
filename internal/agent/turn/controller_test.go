package turn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubx-real-estate/orchestrator/internal/agent/dispatch"
	"github.com/pubx-real-estate/orchestrator/internal/agent/manifest"
	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/agent/scoring"
	"github.com/pubx-real-estate/orchestrator/internal/agent/stream"
)

type memoryRepo struct {
	mu   sync.Mutex
	msgs map[string][]*schema.Message
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{msgs: make(map[string][]*schema.Message)}
}

func (r *memoryRepo) AddMessage(_ context.Context, conversationID string, message *schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[conversationID] = append(r.msgs[conversationID], message)
	return nil
}

func (r *memoryRepo) LoadHistory(_ context.Context, conversationID string) (*model.ConversationHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := append([]*schema.Message(nil), r.msgs[conversationID]...)
	return &model.ConversationHistory{ConversationID: conversationID, Messages: msgs}, nil
}

func (r *memoryRepo) ClearHistory(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgs, conversationID)
	return nil
}

func (r *memoryRepo) GetMessageCount(_ context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs[conversationID]), nil
}

type memoryLeads struct {
	mu    sync.Mutex
	saved []model.Lead
}

func (l *memoryLeads) SaveLead(_ context.Context, lead model.Lead) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, lead)
	return nil
}

type snapshotFetcher struct {
	snap *model.ManifestSnapshot
	err  error
}

func (f *snapshotFetcher) Fetch(context.Context) (*model.ManifestSnapshot, error) {
	return f.snap, f.err
}

type fragmentCollector struct {
	mu    sync.Mutex
	frags []stream.Fragment
}

func (c *fragmentCollector) Send(f stream.Fragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frags = append(c.frags, f)
	return nil
}

func (c *fragmentCollector) types() []stream.FragmentType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stream.FragmentType, 0, len(c.frags))
	for _, f := range c.frags {
		out = append(out, f.Type)
	}
	return out
}

func (c *fragmentCollector) last() stream.Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frags[len(c.frags)-1]
}

type controllerFixture struct {
	controller *Controller
	repo       *memoryRepo
	leads      *memoryLeads
	responder  *scriptedModel
	sink       *fragmentCollector
}

func newControllerFixture(t *testing.T, planner, responder *scriptedModel, fetcher manifest.Fetcher, endpoint string) *controllerFixture {
	t.Helper()

	snap := plannerSnapshot()
	if endpoint != "" {
		for name, desc := range snap.Tools {
			desc.Endpoint = endpoint
			snap.Tools[name] = desc
		}
	}
	if fetcher == nil {
		fetcher = &snapshotFetcher{snap: snap}
	}

	repo := newMemoryRepo()
	leads := &memoryLeads{}
	d := dispatch.NewDispatcher(&http.Client{}, dispatch.DefaultConfig(), nil)

	c := NewController(ControllerConfig{
		Planner:       NewPlanner(planner, "router-model", testPrompt(), 20),
		Responder:     responder,
		ResponderName: "responder-model",
		Repo:          repo,
		Manifest:      manifest.NewCache(fetcher, 10*time.Minute, nil),
		Dispatcher:    d,
		Leads:         leads,
		Prompt:        testPrompt(),
		MaxToolCalls:  3,
	})
	return &controllerFixture{controller: c, repo: repo, leads: leads, responder: responder, sink: &fragmentCollector{}}
}

func (f *controllerFixture) run(t *testing.T, convID, query string) {
	t.Helper()
	emitter := stream.NewEmitter(f.sink)
	err := f.controller.ProcessTurn(context.Background(), model.QueryInput{ConversationID: convID, Query: query}, emitter)
	require.NoError(t, err)
}

func capabilityServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessTurnDirectAnswer(t *testing.T) {
	planner := &scriptedModel{replies: []string{`{"action": "answer"}`}}
	responder := &scriptedModel{streamChunks: []string{"Happy to help ", "with your search."}}
	f := newControllerFixture(t, planner, responder, nil, "")

	f.run(t, "conv-1", "what areas do you cover?")

	assert.Equal(t, []stream.FragmentType{
		stream.FragmentDelta, stream.FragmentDelta, stream.FragmentDone,
	}, f.sink.types())

	done := f.sink.last()
	payload := done.Payload.(map[string]any)
	assert.Equal(t, "Happy to help with your search.", payload["response"])
	assert.Empty(t, payload["tools_used"])

	history, _ := f.repo.LoadHistory(context.Background(), "conv-1")
	require.Len(t, history.Messages, 2)
	assert.Equal(t, schema.User, history.Messages[0].Role)
	assert.Equal(t, schema.Assistant, history.Messages[1].Role)
	assert.Equal(t, "Happy to help with your search.", history.Messages[1].Content)
}

func TestProcessTurnToolChain(t *testing.T) {
	srv := capabilityServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"payload": map[string]any{"lead": map[string]any{"id": "lead-7", "name": "Somsak", "phone": "+66812345678"}},
		})
	})

	planner := &scriptedModel{replies: []string{
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak", "phone": "+66812345678"}}`,
		`{"action": "answer"}`,
	}}
	responder := &scriptedModel{streamChunks: []string{"You're all set, Somsak."}}
	f := newControllerFixture(t, planner, responder, nil, srv.URL)

	f.run(t, "conv-2", "please register me, I'm Somsak, +66812345678")

	assert.Equal(t, []stream.FragmentType{
		stream.FragmentTool, stream.FragmentTool, stream.FragmentDelta, stream.FragmentDone,
	}, f.sink.types())

	done := f.sink.last()
	payload := done.Payload.(map[string]any)
	assert.Equal(t, []string{"crm_upsert_lead"}, payload["tools_used"])

	// the CRM-confirmed lead was mirrored for scoring
	require.Len(t, f.leads.saved, 1)
	assert.Equal(t, "lead-7", f.leads.saved[0].ID)

	// the conversation log carries the tool exchange in order
	history, _ := f.repo.LoadHistory(context.Background(), "conv-2")
	require.Len(t, history.Messages, 4) // user, tool call, tool result, assistant
	assert.Len(t, history.Messages[1].ToolCalls, 1)
	assert.Equal(t, schema.Tool, history.Messages[2].Role)
	assert.Equal(t, history.Messages[1].ToolCalls[0].ID, history.Messages[2].ToolCallID)
}

func TestProcessTurnConflictStopsChain(t *testing.T) {
	srv := capabilityServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "conflict", "reason": "slot already booked"})
	})

	planner := &scriptedModel{replies: []string{
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak"}}`,
	}}
	responder := &scriptedModel{streamChunks: []string{"That one is taken, shall we try another?"}}
	f := newControllerFixture(t, planner, responder, nil, srv.URL)

	f.run(t, "conv-3", "book it")

	// one plan only: a conflict ends the chain
	assert.Len(t, planner.genCalls, 1)

	// the responder was told about the conflict via a system notice
	require.Len(t, responder.streamCalls, 1)
	var noticed bool
	for _, m := range responder.streamCalls[0] {
		if m.Role == schema.System && strings.Contains(m.Content, "slot already booked") {
			noticed = true
		}
	}
	assert.True(t, noticed, "expected a conflict system notice in the responder input")

	done := f.sink.last()
	assert.Equal(t, stream.FragmentDone, done.Type)
}

func TestProcessTurnValidationReplansOnce(t *testing.T) {
	planner := &scriptedModel{replies: []string{
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak", "phone": "081-234"}}`,
		`{"action": "answer"}`,
	}}
	responder := &scriptedModel{streamChunks: []string{"Could you share your phone number with the country code?"}}
	f := newControllerFixture(t, planner, responder, nil, "")

	f.run(t, "conv-4", "I'm Somsak, call me on 081-234")

	// first proposal rejected, second plan carried the validation hint
	require.Len(t, planner.genCalls, 2)
	assert.Contains(t, planner.genCalls[1][0].Content, "E.164")

	// nothing was dispatched
	for _, ft := range f.sink.types() {
		assert.NotEqual(t, stream.FragmentTool, ft)
	}
	assert.Equal(t, stream.FragmentDone, f.sink.last().Type)
}

func TestProcessTurnDegradedWithoutRegistry(t *testing.T) {
	planner := &scriptedModel{}
	responder := &scriptedModel{streamChunks: []string{"I can still answer general questions."}}
	fetcher := &snapshotFetcher{err: errors.New("registry down")}
	f := newControllerFixture(t, planner, responder, fetcher, "")

	f.run(t, "conv-5", "hello")

	// no tools available: the planner is never consulted
	assert.Empty(t, planner.genCalls)

	done := f.sink.last()
	require.Equal(t, stream.FragmentDone, done.Type)
	payload := done.Payload.(map[string]any)
	assert.Equal(t, "I can still answer general questions.", payload["response"])
}

func TestProcessTurnResponderFailure(t *testing.T) {
	planner := &scriptedModel{replies: []string{`{"action": "answer"}`}}
	responder := &scriptedModel{streamErr: errors.New("model unavailable")}
	f := newControllerFixture(t, planner, responder, nil, "")

	emitter := stream.NewEmitter(f.sink)
	err := f.controller.ProcessTurn(context.Background(), model.QueryInput{ConversationID: "conv-6", Query: "hi"}, emitter)
	require.Error(t, err)

	last := f.sink.last()
	assert.Equal(t, stream.FragmentError, last.Type)
	assert.Equal(t, fallbackReply, last.Error)
}

func TestProcessTurnChainCap(t *testing.T) {
	srv := capabilityServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "payload": map[string]any{}})
	})

	// the planner keeps asking for tools; the cap must cut it off after three
	planner := &scriptedModel{replies: []string{
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak"}}`,
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak"}}`,
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak"}}`,
		`{"action": "tool", "tool": "crm_upsert_lead", "arguments": {"name": "Somsak"}}`,
	}}
	responder := &scriptedModel{streamChunks: []string{"Here is what I managed to do."}}
	f := newControllerFixture(t, planner, responder, nil, srv.URL)

	f.run(t, "conv-7", "do everything")

	assert.Len(t, planner.genCalls, 3)
	done := f.sink.last()
	payload := done.Payload.(map[string]any)
	assert.Len(t, payload["tools_used"], 3)

	// the wrap-up notice reached the responder
	require.Len(t, responder.streamCalls, 1)
	var capped bool
	for _, m := range responder.streamCalls[0] {
		if m.Role == schema.System && strings.Contains(m.Content, "capability-call limit") {
			capped = true
		}
	}
	assert.True(t, capped)
}

func TestQualificationNoteReachesNextTurn(t *testing.T) {
	planner := &scriptedModel{replies: []string{`{"action": "answer"}`, `{"action": "answer"}`}}
	responder := &scriptedModel{streamChunks: []string{"Great news!"}}
	f := newControllerFixture(t, planner, responder, nil, "")

	// simulate a prior turn having registered the lead
	f.controller.mu.Lock()
	f.controller.leadOwners["lead-9"] = "conv-8"
	f.controller.mu.Unlock()

	events := make(chan scoring.Notification, 1)
	events <- scoring.Notification{
		Lead:  model.Lead{ID: "lead-9", Name: "Somsak"},
		Score: model.LeadScore{LeadID: "lead-9", Score: 90, Reasons: []string{"phone number in E.164 format"}},
	}
	close(events)
	f.controller.ConsumeNotifications(context.Background(), events)

	f.run(t, "conv-8", "any updates?")

	require.Len(t, responder.streamCalls, 1)
	var mentioned bool
	for _, m := range responder.streamCalls[0] {
		if m.Role == schema.System && strings.Contains(m.Content, "qualified with score 90") {
			mentioned = true
		}
	}
	assert.True(t, mentioned, "expected the qualification note in the responder input")

	// the note is drained: a further turn must not see it again
	assert.Empty(t, f.controller.takeQualificationNotes("conv-8"))
}

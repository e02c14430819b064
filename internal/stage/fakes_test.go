package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/flowpipe/internal/broker"
	"github.com/pitabwire/flowpipe/internal/executor"
	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/internal/store"
	"github.com/pitabwire/flowpipe/model"
)

const testUser = "user-ann"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type prompt struct {
	apiKey, model, text string
}

// fakeGenerator stands in for the Gemini API.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []prompt
	reply   string
	err     error
	hook    func()
}

func (g *fakeGenerator) Generate(_ context.Context, apiKey, model, text string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt{apiKey: apiKey, model: model, text: text})
	hook, reply, err := g.hook, g.reply, g.err
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return reply, err
}

func (g *fakeGenerator) calls() []prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]prompt(nil), g.prompts...)
}

type sentMessage struct {
	token, chatID, text string
}

// fakeChat stands in for the Telegram Bot API. errFor, when set, decides
// the reply per bot token and takes precedence over err.
type fakeChat struct {
	mu     sync.Mutex
	sent   []sentMessage
	err    error
	errFor func(token string) error
	hook   func()
}

func (c *fakeChat) SendMessage(_ context.Context, token, chatID, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, sentMessage{token: token, chatID: chatID, text: text})
	hook, err := c.hook, c.err
	if c.errFor != nil {
		err = c.errFor(token)
	}
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (c *fakeChat) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

// recordingThrottle records the keys it paced.
type recordingThrottle struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *recordingThrottle) Wait(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return r.err
}

// flakyStore injects infrastructure failures into a RunStore.
type flakyStore struct {
	store.RunStore
	loadErr   error
	statusErr error
}

func (s flakyStore) LoadRun(ctx context.Context, runID string) (model.RunBundle, error) {
	if s.loadErr != nil {
		return model.RunBundle{}, s.loadErr
	}
	return s.RunStore.LoadRun(ctx, runID)
}

func (s flakyStore) RunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	if s.statusErr != nil {
		return "", s.statusErr
	}
	return s.RunStore.RunStatus(ctx, runID)
}

// failingPublisher rejects every publish.
type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, ...model.StageMessage) error { return p.err }
func (failingPublisher) Close() error                                         { return nil }

type fixture struct {
	store    *store.MemoryStore
	broker   *broker.MemoryBroker
	gen      *fakeGenerator
	chat     *fakeChat
	registry *executor.Registry
	metrics  *observability.Metrics
	proc     *Processor
}

// newFixture wires a Processor over memory infrastructure with fake
// downstream APIs. The user holds a gemini and a telegram credential.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		broker:  broker.NewMemoryBroker(4),
		gen:     &fakeGenerator{reply: "Hi Ann, nice to meet you"},
		chat:    &fakeChat{},
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	t.Cleanup(func() { _ = f.broker.Close() })

	f.registry = executor.NewRegistry(executor.BreakerSettings{})
	f.registry.Register(executor.GeminiExecutor{Generator: f.gen}, time.Second)
	f.registry.Register(executor.TelegramExecutor{Client: f.chat}, time.Second)

	ctx := context.Background()
	for _, cred := range []model.Credential{
		{ID: "cred-gemini", Platform: "gemini", Keys: map[string]any{"apiKey": "gm-key"}},
		{ID: "cred-telegram", Platform: "telegram", Keys: map[string]any{"apiKey": "bot-token"}},
		{ID: "cred-broken", Platform: "telegram", Keys: map[string]any{"token": "wrong-field"}},
	} {
		_, err := f.store.PutCredential(ctx, testUser, cred)
		require.NoError(t, err, "PutCredential(%s)", cred.ID)
	}

	base := []Option{
		WithStageDelay(0),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return fixedNow }),
	}
	f.proc = NewProcessor(f.store, f.broker, f.registry, zaptest.NewLogger(t), append(base, opts...)...)
	return f
}

func geminiAction(order int, message string) model.Action {
	return model.Action{
		SortingOrder: order,
		ActionKind:   "gemini",
		Metadata:     map[string]any{"message": message, "credentialId": "cred-gemini"},
	}
}

func telegramAction(order int, chatID, message string) model.Action {
	return model.Action{
		SortingOrder: order,
		ActionKind:   "telegram",
		Metadata:     map[string]any{"chatId": chatID, "message": message, "credentialId": "cred-telegram"},
	}
}

// startRun creates a workflow with actions and one Running run of it.
func (f *fixture) startRun(t *testing.T, meta map[string]any, actions ...model.Action) string {
	t.Helper()
	ctx := context.Background()
	wfID, err := f.store.CreateWorkflow(ctx, testUser, actions)
	require.NoError(t, err)
	runID, err := f.store.CreateRun(ctx, wfID, meta)
	require.NoError(t, err)
	return runID
}

func (f *fixture) deliver(t *testing.T, runID string, stage int) error {
	t.Helper()
	payload, err := broker.EncodeStageMessage(model.StageMessage{WorkflowRunID: runID, Stage: stage})
	require.NoError(t, err)
	return f.proc.Handle(context.Background(), payload)
}

func (f *fixture) run(t *testing.T, runID string) model.WorkflowRun {
	t.Helper()
	r, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return r
}

// published returns the stages published for runID, in order.
func (f *fixture) published(runID string) []int {
	var stages []int
	for _, m := range f.broker.Messages() {
		if m.WorkflowRunID == runID {
			stages = append(stages, m.Stage)
		}
	}
	return stages
}

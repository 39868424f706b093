package visualization

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Iris/pkg/errors"
	"github.com/wehubfusion/Iris/pkg/frames"
	"github.com/wehubfusion/Iris/pkg/messenger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingDrawer records every call it receives.
type recordingDrawer struct {
	mu    sync.Mutex
	calls []string
	inits []DrawerInitData
}

func (d *recordingDrawer) Initialize(data DrawerInitData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "initialize")
	d.inits = append(d.inits, data)
}

func (d *recordingDrawer) DrawLayout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "draw")
}

func (d *recordingDrawer) EraseLayout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "erase")
}

func (d *recordingDrawer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *recordingDrawer) LastInit() DrawerInitData {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inits) == 0 {
		return DrawerInitData{}
	}
	return d.inits[len(d.inits)-1]
}

type sentMessage struct {
	target  frames.ContextRef
	command string
	payload json.RawMessage
}

// recordingMessenger captures outgoing traffic as it would appear on the wire.
type recordingMessenger struct {
	self frames.ContextRef

	mu       sync.Mutex
	sent     []sentMessage
	handlers map[string]messenger.Handler
	failFor  map[frames.ContextRef]error
}

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{
		self:     "top",
		handlers: make(map[string]messenger.Handler),
		failFor:  make(map[frames.ContextRef]error),
	}
}

func (m *recordingMessenger) Self() frames.ContextRef { return m.self }

func (m *recordingMessenger) Subscribe(command string, handler messenger.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[command] = handler
	return nil
}

func (m *recordingMessenger) SendTo(ctx context.Context, target frames.ContextRef, command string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{target: target, command: command, payload: data})
	return m.failFor[target]
}

func (m *recordingMessenger) SendToParentOrGlobal(ctx context.Context, command string, payload any) error {
	return errors.New("not used")
}

func (m *recordingMessenger) Request(ctx context.Context, target frames.ContextRef, command string, payload any, onResponse messenger.ResponseCallback) error {
	return errors.New("not used")
}

func (m *recordingMessenger) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *recordingMessenger) Handler(command string) messenger.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[command]
}

func staticChildren(refs ...frames.ContextRef) frames.Enumerator {
	return frames.EnumeratorFunc(func() []frames.ContextRef {
		return append([]frames.ContextRef(nil), refs...)
	})
}

func newTestController(t *testing.T, m messenger.Messenger, e frames.Enumerator) *Controller {
	t.Helper()
	c, err := NewController(m, e, nil)
	require.NoError(t, err)
	return c
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(nil, staticChildren(), nil)
	assert.Error(t, err)

	_, err = NewController(newRecordingMessenger(), nil, nil)
	assert.Error(t, err)

	c, err := NewController(newRecordingMessenger(), staticChildren(), nil)
	require.NoError(t, err)
	assert.Empty(t, c.RegisteredConfigIDs())
}

func TestRegisterDrawerRejectsDuplicates(t *testing.T) {
	c := newTestController(t, newRecordingMessenger(), staticChildren())
	first := &recordingDrawer{}
	second := &recordingDrawer{}

	require.NoError(t, c.RegisterDrawer("headings", first))
	err := c.RegisterDrawer("headings", second)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsDuplicateDrawer(err))
	assert.Equal(t, "DUPLICATE_DRAWER", sdkerrors.Code(err))

	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: false})
	assert.Equal(t, []string{"erase"}, first.Calls())
	assert.Empty(t, second.Calls())

	assert.Panics(t, func() { c.MustRegisterDrawer("headings", second) })
	assert.Error(t, c.RegisterDrawer("landmarks", nil))
}

func TestRegisteredConfigIDsSorted(t *testing.T) {
	c := newTestController(t, newRecordingMessenger(), staticChildren())
	c.MustRegisterDrawer("tab-stops", &recordingDrawer{})
	c.MustRegisterDrawer("headings", &recordingDrawer{})
	c.MustRegisterDrawer("landmarks", &recordingDrawer{})

	assert.Equal(t, []ConfigID{"headings", "landmarks", "tab-stops"}, c.RegisteredConfigIDs())
}

func TestProcessRequestEnableSplitsResultsAcrossChildren(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA", "childB"))
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)

	hidden := owned("r2")
	hidden.IsVisible = Bool(false)
	flags := map[string]bool{"newHeadings": true}

	c.ProcessRequest(context.Background(), Command{
		ConfigID:       "headings",
		IsEnabled:      true,
		ElementResults: []Result{owned("r1"), hidden, owned("r3", "childA")},
		FeatureFlags:   flags,
	})

	assert.Equal(t, []string{"initialize", "draw"}, drawer.Calls())
	got := drawer.LastInit()
	assert.Equal(t, []string{"r1"}, ruleIDs(got.Data))
	assert.Equal(t, flags, got.FeatureFlags)

	sent := m.Sent()
	require.Len(t, sent, 2)

	assert.Equal(t, frames.ContextRef("childA"), sent[0].target)
	assert.Equal(t, TriggerVisualizationCommand, sent[0].command)
	assert.JSONEq(t, `{
		"configId":"headings",
		"isEnabled":true,
		"elementResults":[{"ruleId":"r3"}],
		"featureFlags":{"newHeadings":true}
	}`, string(sent[0].payload))

	assert.Equal(t, frames.ContextRef("childB"), sent[1].target)
	assert.JSONEq(t, `{
		"configId":"headings",
		"isEnabled":true,
		"elementResults":null,
		"featureFlags":{"newHeadings":true}
	}`, string(sent[1].payload))
}

func TestProcessRequestDisableFansOutWithoutResults(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA", "childB"))
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)

	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: false})

	assert.Equal(t, []string{"erase"}, drawer.Calls())

	sent := m.Sent()
	require.Len(t, sent, 2)
	for i, target := range []frames.ContextRef{"childA", "childB"} {
		assert.Equal(t, target, sent[i].target)
		assert.JSONEq(t, `{"configId":"headings","isEnabled":false}`, string(sent[i].payload))
	}
}

func TestProcessRequestDisableDropsStrayResults(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA"))
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)

	c.ProcessRequest(context.Background(), Command{
		ConfigID:       "headings",
		IsEnabled:      false,
		ElementResults: []Result{owned("r1", "childA")},
	})

	assert.Equal(t, []string{"erase"}, drawer.Calls())
	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"configId":"headings","isEnabled":false}`, string(sent[0].payload))
}

func TestProcessRequestEnableWithoutResultSet(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA"))
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("contrast", drawer)

	c.ProcessRequest(context.Background(), Command{ConfigID: "contrast", IsEnabled: true})

	assert.Equal(t, []string{"initialize", "draw"}, drawer.Calls())
	assert.Nil(t, drawer.LastInit().Data)

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"configId":"contrast","isEnabled":true,"elementResults":null}`, string(sent[0].payload))
}

func TestProcessRequestEnableWithEmptyResultSet(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren())
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)

	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: true, ElementResults: []Result{}})

	data := drawer.LastInit().Data
	assert.NotNil(t, data)
	assert.Empty(t, data)
	assert.Empty(t, m.Sent())
}

func TestProcessRequestUnknownConfigIsNoop(t *testing.T) {
	m := newRecordingMessenger()
	enumerated := false
	c := newTestController(t, m, frames.EnumeratorFunc(func() []frames.ContextRef {
		enumerated = true
		return []frames.ContextRef{"childA"}
	}))
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)

	assert.NotPanics(t, func() {
		c.ProcessRequest(context.Background(), Command{
			ConfigID:       "landmarks",
			IsEnabled:      true,
			ElementResults: []Result{owned("r1", "childA")},
		})
	})

	assert.Empty(t, drawer.Calls())
	assert.Empty(t, m.Sent())
	assert.False(t, enumerated)
}

func TestProcessRequestDropsResultsOfDetachedChildren(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA"))
	c.MustRegisterDrawer("headings", &recordingDrawer{})

	c.ProcessRequest(context.Background(), Command{
		ConfigID:       "headings",
		IsEnabled:      true,
		ElementResults: []Result{owned("gone", "detached"), owned("kept", "childA")},
	})

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, frames.ContextRef("childA"), sent[0].target)
	assert.JSONEq(t, `{"configId":"headings","isEnabled":true,"elementResults":[{"ruleId":"kept"}]}`, string(sent[0].payload))
}

func TestProcessRequestForwardsNestedPathsRebased(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA"))
	c.MustRegisterDrawer("headings", &recordingDrawer{})

	c.ProcessRequest(context.Background(), Command{
		ConfigID:       "headings",
		IsEnabled:      true,
		ElementResults: []Result{owned("deep", "childA", "grandchild")},
	})

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{
		"configId":"headings",
		"isEnabled":true,
		"elementResults":[{"ruleId":"deep","framePath":["grandchild"]}]
	}`, string(sent[0].payload))
}

func TestProcessRequestSendFailureDoesNotStopFanOut(t *testing.T) {
	m := newRecordingMessenger()
	m.failFor["childA"] = sdkerrors.ErrPublishFailed
	c := newTestController(t, m, staticChildren("childA", "childB"))
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)

	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: false})

	assert.Equal(t, []string{"erase"}, drawer.Calls())
	sent := m.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, frames.ContextRef("childB"), sent[1].target)
}

func TestProcessRequestEnumeratesOnEveryCommand(t *testing.T) {
	m := newRecordingMessenger()
	tracker := frames.NewTracker(nil)
	c := newTestController(t, m, tracker)
	c.MustRegisterDrawer("headings", &recordingDrawer{})

	tracker.Attach("childA")
	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: true})
	tracker.Attach("childB")
	tracker.Detach("childA")
	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: false})

	sent := m.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, frames.ContextRef("childA"), sent[0].target)
	assert.Equal(t, frames.ContextRef("childB"), sent[1].target)
}

func TestInitializeSubscribesAndRespondsNull(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren())
	drawer := &recordingDrawer{}
	c.MustRegisterDrawer("headings", drawer)
	require.NoError(t, c.Initialize())

	handler := m.Handler(TriggerVisualizationCommand)
	require.NotNil(t, handler)

	var replies []any
	respond := func(reply any) { replies = append(replies, reply) }

	handler(context.Background(), json.RawMessage(`{"configId":"headings","isEnabled":true,"elementResults":[]}`), "parent", respond)
	assert.Equal(t, []string{"initialize", "draw"}, drawer.Calls())
	require.Len(t, replies, 1)
	assert.Nil(t, replies[0])

	handler(context.Background(), json.RawMessage(`{"configId":`), "parent", respond)
	assert.Equal(t, []string{"initialize", "draw"}, drawer.Calls())
	require.Len(t, replies, 2)
	assert.Nil(t, replies[1])

	assert.NotPanics(t, func() {
		handler(context.Background(), json.RawMessage(`{"configId":"headings","isEnabled":false}`), "parent", nil)
	})
	assert.Equal(t, []string{"initialize", "draw", "erase"}, drawer.Calls())
}

func TestDisposeErasesEveryDrawer(t *testing.T) {
	m := newRecordingMessenger()
	c := newTestController(t, m, staticChildren("childA"))
	headings := &recordingDrawer{}
	landmarks := &recordingDrawer{}
	c.MustRegisterDrawer("headings", headings)
	c.MustRegisterDrawer("landmarks", landmarks)

	c.ProcessRequest(context.Background(), Command{ConfigID: "headings", IsEnabled: true})
	c.Dispose()

	assert.Equal(t, []string{"initialize", "draw", "erase"}, headings.Calls())
	assert.Equal(t, []string{"erase"}, landmarks.Calls())
	assert.Len(t, m.Sent(), 1)
	assert.Len(t, c.RegisteredConfigIDs(), 2)
}

func TestProcessRequestRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := newRecordingMessenger()
	m.failFor["childB"] = sdkerrors.ErrPublishFailed
	c := newTestController(t, m, staticChildren("childA", "childB"))
	c.SetTracer(tp.Tracer("test"))
	c.MustRegisterDrawer("headings", &recordingDrawer{})

	c.ProcessRequest(context.Background(), Command{
		ConfigID:       "headings",
		IsEnabled:      true,
		ElementResults: []Result{owned("r1"), owned("r2", "childA")},
	})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "visualization.process_request", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "headings", attrs["config_id"].AsString())
	assert.True(t, attrs["is_enabled"].AsBool())
	assert.Equal(t, int64(2), attrs["result_count"].AsInt64())
	assert.Equal(t, int64(2), attrs["child_count"].AsInt64())
	assert.Len(t, span.Events(), 1)
}

package control

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/aico-slmf/pkg/broker"
	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/envelope"
	"github.com/cuemby/aico-slmf/pkg/identity"
	"github.com/cuemby/aico-slmf/pkg/scheduler"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	handler  func(*envelope.Envelope)
	pattern  string
	replies  []*envelope.Envelope
}

func (f *fakeClient) Subscribe(pattern string, handler func(*envelope.Envelope)) (string, error) {
	f.pattern = pattern
	f.handler = handler
	return "tok", nil
}

func (f *fakeClient) Publish(topicStr string, payload []byte, payloadTypeURL string) (uuid.UUID, error) {
	return f.PublishCorrelated(topicStr, payload, payloadTypeURL, uuid.Nil)
}

func (f *fakeClient) PublishCorrelated(topicStr string, payload []byte, payloadTypeURL string, correlationID uuid.UUID) (uuid.UUID, error) {
	f.replies = append(f.replies, &envelope.Envelope{
		Topic:         topicStr,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	return uuid.New(), nil
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:        20 * time.Millisecond,
		MaxConcurrentTasks:  10,
		DefaultTaskTimeout:  2 * time.Second,
		CPUThresholdPercent: 80,
		MemThresholdPercent: 80,
		AdmissionBackoff:    30 * time.Second,
		LoopLagThreshold:    500 * time.Millisecond,
		LoopLagSustain:      2 * time.Second,
	}
}

type nopSampler struct{}

func (nopSampler) CPUPercent() (float64, error) { return 0, nil }
func (nopSampler) MemPercent() (float64, error) { return 0, nil }

func testSched(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	var key [32]byte
	st, err := store.NewBoltStore(t.TempDir(), key)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return scheduler.New(testSchedulerConfig(), st, nopSampler{}, zerolog.Nop())
}

func TestHandleRejectsNonAdminRequester(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, nil, nil, nil, zerolog.Nop())
	require.NoError(t, c.Start())

	corr := uuid.New()
	fc.handler(&envelope.Envelope{
		Source:        string(identity.ModelService),
		Topic:         "control/bus/health",
		CorrelationID: corr,
	})

	require.Len(t, fc.replies, 1)
	require.Equal(t, "control/reply/"+string(identity.ModelService), fc.replies[0].Topic)
	require.Equal(t, corr, fc.replies[0].CorrelationID)

	var resp errorPayload
	require.NoError(t, json.Unmarshal(fc.replies[0].Payload, &resp))
	require.Equal(t, "unauthorized", resp.Error)
}

func TestHandleBusHealthRepliesOK(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, nil, nil, nil, zerolog.Nop())
	require.NoError(t, c.Start())

	fc.handler(&envelope.Envelope{
		Source: string(identity.CLI),
		Topic:  "control/bus/health",
	})

	require.Len(t, fc.replies, 1)
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(fc.replies[0].Payload, &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestHandleBusStatsUsesAccessor(t *testing.T) {
	fc := &fakeClient{}
	stats := func() map[string]broker.Stats {
		return map[string]broker.Stats{"demo/topic": {PublishCount: 3, Bytes: 120, SubscribersActive: 1}}
	}
	c := New(fc, nil, stats, nil, zerolog.Nop())
	require.NoError(t, c.Start())

	fc.handler(&envelope.Envelope{Source: string(identity.CLI), Topic: "control/bus/stats"})

	require.Len(t, fc.replies, 1)
	var resp struct {
		Topics map[string]broker.Stats `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(fc.replies[0].Payload, &resp))
	require.Equal(t, uint64(3), resp.Topics["demo/topic"].PublishCount)
}

func TestHandleTaskLifecycle(t *testing.T) {
	sched := testSched(t)
	fc := &fakeClient{}
	c := New(fc, sched, nil, nil, zerolog.Nop())
	require.NoError(t, c.Start())

	createBody, err := json.Marshal(struct {
		Task store.ScheduledTask `json:"task"`
	}{Task: store.ScheduledTask{TaskID: "ctl1", TaskClass: "noop", Schedule: "interval:60", Enabled: true}})
	require.NoError(t, err)
	fc.handler(&envelope.Envelope{Source: string(identity.CLI), Topic: "control/scheduler/task/create", Payload: createBody})
	require.Len(t, fc.replies, 1)

	fc.handler(&envelope.Envelope{Source: string(identity.CLI), Topic: "control/scheduler/task/list"})
	require.Len(t, fc.replies, 2)
	var listResp struct {
		Tasks []store.ScheduledTask `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(fc.replies[1].Payload, &listResp))
	require.Len(t, listResp.Tasks, 1)
	require.Equal(t, "ctl1", listResp.Tasks[0].TaskID)

	idBody, err := json.Marshal(taskIDRequest{TaskID: "ctl1"})
	require.NoError(t, err)
	fc.handler(&envelope.Envelope{Source: string(identity.CLI), Topic: "control/scheduler/task/disable", Payload: idBody})
	require.Len(t, fc.replies, 3)

	task, _, err := sched.GetTask("ctl1")
	require.NoError(t, err)
	require.False(t, task.Enabled)

	fc.handler(&envelope.Envelope{Source: string(identity.CLI), Topic: "control/scheduler/task/delete", Payload: idBody})
	require.Len(t, fc.replies, 4)
}

func TestHandleRotateKeys(t *testing.T) {
	fc := &fakeClient{}
	called := false
	rotate := func() error { called = true; return nil }
	c := New(fc, nil, nil, rotate, zerolog.Nop())
	require.NoError(t, c.Start())

	fc.handler(&envelope.Envelope{Source: string(identity.SystemHost), Topic: "control/security/rotate_keys"})

	require.True(t, called)
	require.Len(t, fc.replies, 1)
	var resp struct {
		Rotated bool `json:"rotated"`
	}
	require.NoError(t, json.Unmarshal(fc.replies[0].Payload, &resp))
	require.True(t, resp.Rotated)
}

func TestHandleSchedulerRequestWithoutSchedulerRepliesError(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, nil, nil, nil, zerolog.Nop())
	require.NoError(t, c.Start())

	fc.handler(&envelope.Envelope{Source: string(identity.CLI), Topic: "control/scheduler/task/list"})

	require.Len(t, fc.replies, 1)
	var resp errorPayload
	require.NoError(t, json.Unmarshal(fc.replies[0].Payload, &resp))
	require.Equal(t, "scheduler_unavailable", resp.Error)
}

// Package control implements C10: a thin request/reply facade over C6
// for the administrative surface of §4.10. It never exposes a dedicated
// RPC; every operation is a message on a control/... topic, answered on
// a reply topic scoped to the requester's own identity.
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/aico-slmf/pkg/broker"
	"github.com/cuemby/aico-slmf/pkg/envelope"
	"github.com/cuemby/aico-slmf/pkg/identity"
	"github.com/cuemby/aico-slmf/pkg/scheduler"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher is the subset of Client the controller needs to reply.
type Publisher interface {
	Publish(topicStr string, payload []byte, payloadTypeURL string) (uuid.UUID, error)
}

// Subscriber is the subset of Client the controller needs to receive
// requests.
type Subscriber interface {
	Subscribe(pattern string, handler func(*envelope.Envelope)) (string, error)
}

// Client is the minimal surface the controller needs from C6.
type Client interface {
	Publisher
	Subscriber
}

// BusStats reports broker counters, as exposed by (*broker.Broker).Stats.
type BusStats func() map[string]broker.Stats

// RotateKeys is invoked for control/security/rotate_keys. The
// composition root supplies it; pkg/control itself never handles the
// master secret (§3: M is never transmitted, not even internally beyond
// the process that holds it).
type RotateKeys func() error

// Controller answers the control-plane topics of §4.10.
type Controller struct {
	client     Client
	sched      *scheduler.Scheduler
	busStats   BusStats
	rotateKeys RotateKeys
	logger     zerolog.Logger
}

// New builds a Controller. sched, busStats or rotateKeys may be nil if
// this process doesn't own that subsystem; requests touching a nil
// dependency are answered with an error reply instead of panicking.
func New(client Client, sched *scheduler.Scheduler, busStats BusStats, rotateKeys RotateKeys, logger zerolog.Logger) *Controller {
	return &Controller{client: client, sched: sched, busStats: busStats, rotateKeys: rotateKeys, logger: logger}
}

// Start subscribes to every control/... topic.
func (c *Controller) Start() error {
	_, err := c.client.Subscribe("control/", c.handle)
	return err
}

type errorPayload struct {
	Error string `json:"error"`
}

func (c *Controller) handle(env *envelope.Envelope) {
	requester := identity.ID(env.Source)
	if !identity.IsAdminCapable(requester) {
		c.logger.Warn().Str("requester", env.Source).Str("topic", env.Topic).Msg("rejected control request from non-admin identity")
		c.reply(env, errorPayload{Error: "unauthorized"})
		return
	}

	switch env.Topic {
	case "control/scheduler/task/list":
		c.handleTaskList(env)
	case "control/scheduler/task/create":
		c.handleTaskCreate(env)
	case "control/scheduler/task/delete":
		c.handleTaskDelete(env)
	case "control/scheduler/task/enable":
		c.handleTaskSetEnabled(env, true)
	case "control/scheduler/task/disable":
		c.handleTaskSetEnabled(env, false)
	case "control/scheduler/task/status":
		c.handleTaskStatus(env)
	case "control/bus/stats":
		c.handleBusStats(env)
	case "control/bus/health":
		c.handleBusHealth(env)
	case "control/security/rotate_keys":
		c.handleRotateKeys(env)
	default:
		c.logger.Debug().Str("topic", env.Topic).Msg("unrecognized control topic")
	}
}

// reply publishes payload (marshaled as JSON) to the requester's scoped
// reply topic, preserving the request's correlation_id so Client.Request
// on the caller side can match it (§4.10).
func (c *Controller) reply(req *envelope.Envelope, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal control reply")
		return
	}
	topic := fmt.Sprintf("control/reply/%s", req.Source)
	if _, err := c.publishCorrelated(topic, body, req.CorrelationID); err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("failed to publish control reply")
	}
}

func (c *Controller) publishCorrelated(topicStr string, payload []byte, correlationID uuid.UUID) (uuid.UUID, error) {
	type correlated interface {
		PublishCorrelated(topicStr string, payload []byte, payloadTypeURL string, correlationID uuid.UUID) (uuid.UUID, error)
	}
	if cc, ok := c.client.(correlated); ok {
		return cc.PublishCorrelated(topicStr, payload, "application/json", correlationID)
	}
	return c.client.Publish(topicStr, payload, "application/json")
}

func (c *Controller) handleTaskList(env *envelope.Envelope) {
	if c.sched == nil {
		c.reply(env, errorPayload{Error: "scheduler_unavailable"})
		return
	}
	tasks, err := c.sched.ListTasks()
	if err != nil {
		c.reply(env, errorPayload{Error: err.Error()})
		return
	}
	c.reply(env, struct {
		Tasks []store.ScheduledTask `json:"tasks"`
	}{Tasks: tasks})
}

type taskIDRequest struct {
	TaskID string `json:"task_id"`
}

func (c *Controller) handleTaskCreate(env *envelope.Envelope) {
	if c.sched == nil {
		c.reply(env, errorPayload{Error: "scheduler_unavailable"})
		return
	}
	var req struct {
		Task store.ScheduledTask `json:"task"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.reply(env, errorPayload{Error: "bad_request"})
		return
	}
	if err := c.sched.CreateTask(req.Task, time.Now()); err != nil {
		c.reply(env, errorPayload{Error: err.Error()})
		return
	}
	c.reply(env, struct {
		TaskID string `json:"task_id"`
	}{TaskID: req.Task.TaskID})
}

func (c *Controller) handleTaskDelete(env *envelope.Envelope) {
	if c.sched == nil {
		c.reply(env, errorPayload{Error: "scheduler_unavailable"})
		return
	}
	var req taskIDRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.reply(env, errorPayload{Error: "bad_request"})
		return
	}
	if err := c.sched.DeleteTask(req.TaskID); err != nil {
		c.reply(env, errorPayload{Error: err.Error()})
		return
	}
	c.reply(env, struct {
		Deleted bool `json:"deleted"`
	}{Deleted: true})
}

func (c *Controller) handleTaskSetEnabled(env *envelope.Envelope, enabled bool) {
	if c.sched == nil {
		c.reply(env, errorPayload{Error: "scheduler_unavailable"})
		return
	}
	var req taskIDRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.reply(env, errorPayload{Error: "bad_request"})
		return
	}
	if err := c.sched.SetEnabled(req.TaskID, enabled); err != nil {
		c.reply(env, errorPayload{Error: err.Error()})
		return
	}
	c.reply(env, struct {
		Enabled bool `json:"enabled"`
	}{Enabled: enabled})
}

func (c *Controller) handleTaskStatus(env *envelope.Envelope) {
	if c.sched == nil {
		c.reply(env, errorPayload{Error: "scheduler_unavailable"})
		return
	}
	var req taskIDRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.reply(env, errorPayload{Error: "bad_request"})
		return
	}
	task, execs, err := c.sched.GetTask(req.TaskID)
	if err != nil {
		c.reply(env, errorPayload{Error: err.Error()})
		return
	}
	c.reply(env, struct {
		Task             store.ScheduledTask   `json:"task"`
		RecentExecutions []store.TaskExecution `json:"recent_executions"`
	}{Task: task, RecentExecutions: execs})
}

func (c *Controller) handleBusStats(env *envelope.Envelope) {
	if c.busStats == nil {
		c.reply(env, errorPayload{Error: "bus_stats_unavailable"})
		return
	}
	c.reply(env, struct {
		Topics map[string]broker.Stats `json:"topics"`
	}{Topics: c.busStats()})
}

func (c *Controller) handleBusHealth(env *envelope.Envelope) {
	c.reply(env, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func (c *Controller) handleRotateKeys(env *envelope.Envelope) {
	if c.rotateKeys == nil {
		c.reply(env, errorPayload{Error: "rotation_unavailable"})
		return
	}
	if err := c.rotateKeys(); err != nil {
		c.reply(env, errorPayload{Error: err.Error()})
		return
	}
	c.reply(env, struct {
		Rotated bool `json:"rotated"`
	}{Rotated: true})
}

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// LogListener writes each event to a structured component logger. Tool
// arguments are never logged, only tool names.
type LogListener struct {
	logger *logging.Logger
}

// NewLogListener returns the default listener.
func NewLogListener() *LogListener {
	return &LogListener{logger: logging.New().WithComponent("event")}
}

func (l *LogListener) OnEvent(ctx context.Context, ev Event) {
	h := ev.EventHeader()
	fields := map[string]interface{}{
		"job":  h.JobID,
		"run":  h.RunID,
		"step": h.StepNumber,
	}
	if h.ExpertKey != "" {
		fields["expert"] = h.ExpertKey
	}

	switch e := ev.(type) {
	case *CallTools:
		fields["tools"] = toolNames(e.ToolCalls)
		l.logger.Info("call_tools", fields)
	case *Retry:
		fields["reason"] = e.Reason
		fields["retry_count"] = e.RetryCount
		l.logger.Warn("retry", fields)
	case *StopRunByError:
		fields["error"] = e.Error
		l.logger.Error("stop_run_by_error", fields)
	case *CompleteRun:
		fields["input_tokens"] = e.Usage.InputTokens
		fields["output_tokens"] = e.Usage.OutputTokens
		l.logger.Info("complete_run", fields)
	case *DelegationStarted:
		fields["strategy"] = e.Strategy
		fields["targets"] = len(e.Targets)
		l.logger.Info("delegation_start", fields)
	case *SkillConnected:
		fields["skill"] = e.Skill
		fields["spawn_ms"] = e.SpawnDuration.Milliseconds()
		fields["handshake_ms"] = e.HandshakeDuration.Milliseconds()
		fields["tools"] = e.Tools
		l.logger.Info("skill_connected", fields)
	case *SkillStderr:
		fields["skill"] = e.Skill
		fields["line"] = e.Line
		l.logger.Debug("skill_stderr", fields)
	case *SkillDisconnected:
		fields["skill"] = e.Skill
		if e.Error != "" {
			fields["error"] = e.Error
			l.logger.Warn("skill_disconnected", fields)
			return
		}
		l.logger.Info("skill_disconnected", fields)
	default:
		l.logger.Debug(toSnake(string(h.Type)), fields)
	}
}

func toolNames(calls []checkpoint.ToolCall) []string {
	names := make([]string, len(calls))
	for i, tc := range calls {
		names[i] = tc.SkillName + "." + tc.ToolName
	}
	return names
}

// toSnake turns a camelCase event type into a snake_case log message.
func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NATSListener publishes every event as JSON to <subject>.<jobId>.
type NATSListener struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSListener connects to url. Subject defaults to "agentrun.events".
func NewNATSListener(url, subject string) (*NATSListener, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if subject == "" {
		subject = "agentrun.events"
	}
	nc, err := nats.Connect(url,
		nats.Name("agentrun"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSListener{conn: nc, subject: subject, logger: logging.New().WithComponent("event.nats")}, nil
}

// Subject returns the subject an event is published on.
func (n *NATSListener) Subject(ev Event) string {
	job := ev.EventHeader().JobID
	if job == "" {
		return n.subject + ".runtime"
	}
	return n.subject + "." + job
}

func (n *NATSListener) OnEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("nats_marshal_failed", map[string]interface{}{"type": string(TypeOf(ev)), "error": err.Error()})
		return
	}
	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		n.logger.Warn("nats_publish_failed", map[string]interface{}{"type": string(TypeOf(ev)), "error": err.Error()})
	}
}

// Close flushes pending messages and closes the connection.
func (n *NATSListener) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// AMQPListener publishes every event to a durable queue.
type AMQPListener struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *logging.Logger
}

// NewAMQPListener dials url and declares the queue. Queue defaults to
// "agentrun.events".
func NewAMQPListener(url, queue string) (*AMQPListener, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if queue == "" {
		queue = "agentrun.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare AMQP queue: %w", err)
	}
	return &AMQPListener{conn: conn, ch: ch, queue: queue, logger: logging.New().WithComponent("event.amqp")}, nil
}

func (a *AMQPListener) OnEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("amqp_marshal_failed", map[string]interface{}{"type": string(TypeOf(ev)), "error": err.Error()})
		return
	}
	h := ev.EventHeader()
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    h.ID,
		Timestamp:    h.Timestamp,
		Type:         string(h.Type),
		Body:         data,
	})
	if err != nil {
		a.logger.Warn("amqp_publish_failed", map[string]interface{}{"type": string(h.Type), "error": err.Error()})
	}
}

// Close closes the channel and connection.
func (a *AMQPListener) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	a.ch.Close()
	return a.conn.Close()
}

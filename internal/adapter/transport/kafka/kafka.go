// Package kafka implements internal/transport.Transport over a Redpanda/
// Kafka cluster, grounded on the teacher's franz-go producer/consumer
// pattern in internal/adapter/queue/redpanda. The fleet's eCAL-service RPC
// layer and monitoring pub/sub are both modeled as topics: a discovery
// topic recorder clients announce themselves on, a monitoring-snapshot
// topic the client side publishes at 1Hz, a broadcast topic the
// coordinator uses to fan out connect/disconnect state, and a
// request/reply pair of topics carrying RPC calls keyed by a correlation
// ID so replies can be routed back to the waiting caller.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/transport"
)

// Config names the topics and brokers the transport binds to.
type Config struct {
	Brokers               []string
	DiscoveryTopic        string
	MonitoringTopic       string
	BroadcastTopic        string
	RPCRequestTopicPrefix string
	RPCReplyTopic         string
	GroupID               string
	RPCTimeout            time.Duration
}

// discoveryAnnouncement is the wire shape recorder clients publish to the
// discovery topic to announce one bound RPC service instance.
type discoveryAnnouncement struct {
	Host     string `json:"host"`
	Instance string `json:"instance"`
}

// rpcEnvelope is the wire shape of one RPC request or reply.
type rpcEnvelope struct {
	CorrelationID string                `json:"correlation_id"`
	Method        string                `json:"method"`
	Params        map[string]string     `json:"params,omitempty"`
	Command       string                `json:"command,omitempty"`
	Status        *domain.ResponseStatus `json:"status,omitempty"`
	Report        *domain.RecorderStatusReport `json:"report,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Transport is a Kafka-backed implementation of transport.Transport.
type Transport struct {
	cfg    Config
	client *kgo.Client
	log    *slog.Logger

	mu         sync.RWMutex
	instances  map[domain.HostName][]transport.InstanceID
	snapshot   transport.MonitoringSnapshot
	hasSnapGot bool

	repliesMu sync.Mutex
	replies   map[string]chan rpcEnvelope

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New constructs a Transport, starting background consumers for the
// discovery, monitoring, and RPC-reply topics.
func New(cfg Config, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport: no seed brokers provided")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "rec-coordinator"
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 5 * time.Second
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	topics := []string{cfg.DiscoveryTopic, cfg.MonitoringTopic, cfg.RPCReplyTopic}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka transport: new client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &Transport{
		cfg:       cfg,
		client:    client,
		log:       log.With(slog.String("component", "transport.kafka")),
		instances: make(map[domain.HostName][]transport.InstanceID),
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		replies:   make(map[string]chan rpcEnvelope),
	}
	go tr.consumeLoop(ctx)
	return tr, nil
}

// Close stops the background consumer and releases the Kafka client.
func (t *Transport) Close() error {
	t.cancel()
	<-t.doneCh
	t.client.Close()
	return nil
}

func (t *Transport) consumeLoop(ctx context.Context) {
	defer close(t.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fetches := t.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(_ string, _ int32, err error) {
			t.log.Warn("kafka fetch error", slog.Any("error", err))
		})
		fetches.EachRecord(func(r *kgo.Record) {
			switch r.Topic {
			case t.cfg.DiscoveryTopic:
				t.handleDiscovery(r)
			case t.cfg.MonitoringTopic:
				t.handleMonitoring(r)
			case t.cfg.RPCReplyTopic:
				t.handleReply(r)
			}
		})
	}
}

func (t *Transport) handleDiscovery(r *kgo.Record) {
	var ann discoveryAnnouncement
	if err := json.Unmarshal(r.Value, &ann); err != nil {
		t.log.Warn("discovery: bad payload", slog.Any("error", err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	host := domain.HostName(ann.Host)
	inst := transport.InstanceID(ann.Instance)
	for _, existing := range t.instances[host] {
		if existing == inst {
			return
		}
	}
	t.instances[host] = append(t.instances[host], inst)
}

func (t *Transport) handleMonitoring(r *kgo.Record) {
	var snap transport.MonitoringSnapshot
	if err := json.Unmarshal(r.Value, &snap); err != nil {
		t.log.Warn("monitoring: bad payload", slog.Any("error", err))
		return
	}
	t.mu.Lock()
	t.snapshot = snap
	t.hasSnapGot = true
	t.mu.Unlock()
}

func (t *Transport) handleReply(r *kgo.Record) {
	var env rpcEnvelope
	if err := json.Unmarshal(r.Value, &env); err != nil {
		t.log.Warn("rpc reply: bad payload", slog.Any("error", err))
		return
	}
	t.repliesMu.Lock()
	ch, ok := t.replies[env.CorrelationID]
	t.repliesMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// Snapshot returns the most recently observed monitoring snapshot.
func (t *Transport) Snapshot(_ domain.Context) (transport.MonitoringSnapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasSnapGot {
		return transport.MonitoringSnapshot{}, nil
	}
	return t.snapshot, nil
}

// DiscoverInstances returns the RPC service instances announced for host.
func (t *Transport) DiscoverInstances(_ domain.Context, host domain.HostName) ([]transport.InstanceID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]transport.InstanceID, len(t.instances[host]))
	copy(out, t.instances[host])
	return out, nil
}

// Dial returns an RPC handle that sends requests to host's request topic
// and correlates replies off the shared reply topic.
func (t *Transport) Dial(_ domain.Context, host domain.HostName, instance transport.InstanceID) (transport.RecorderClientRPC, error) {
	return &rpcClient{tr: t, host: host, instance: instance}, nil
}

// PublishBroadcast publishes payload to the broadcast topic, carrying the
// logical sub-topic in the record key so subscribers can filter.
func (t *Transport) PublishBroadcast(ctx domain.Context, topic string, payload []byte) error {
	rec := &kgo.Record{Topic: t.cfg.BroadcastTopic, Key: []byte(topic), Value: payload}
	res := t.client.ProduceSync(ctx, rec)
	return res.FirstErr()
}

func (t *Transport) requestTopic(host domain.HostName) string {
	return t.cfg.RPCRequestTopicPrefix + string(host)
}

// rpcClient implements transport.RecorderClientRPC for one bound instance.
type rpcClient struct {
	tr       *Transport
	host     domain.HostName
	instance transport.InstanceID
}

func (c *rpcClient) call(ctx domain.Context, env rpcEnvelope) (rpcEnvelope, error) {
	env.CorrelationID = ulid.Make().String()
	ch := make(chan rpcEnvelope, 1)
	c.tr.repliesMu.Lock()
	c.tr.replies[env.CorrelationID] = ch
	c.tr.repliesMu.Unlock()
	defer func() {
		c.tr.repliesMu.Lock()
		delete(c.tr.replies, env.CorrelationID)
		c.tr.repliesMu.Unlock()
	}()

	payload, err := json.Marshal(env)
	if err != nil {
		return rpcEnvelope{}, fmt.Errorf("rpc: marshal request: %w", err)
	}
	rec := &kgo.Record{Topic: c.tr.requestTopic(c.host), Key: []byte(env.CorrelationID), Value: payload}
	if res := c.tr.client.ProduceSync(ctx, rec); res.FirstErr() != nil {
		return rpcEnvelope{}, fmt.Errorf("rpc: produce request: %w", res.FirstErr())
	}

	timeout := c.tr.cfg.RPCTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return rpcEnvelope{}, fmt.Errorf("rpc: %s", reply.Error)
		}
		return reply, nil
	case <-timer.C:
		return rpcEnvelope{}, fmt.Errorf("rpc: timed out waiting for reply from %s", c.host)
	case <-ctx.Done():
		return rpcEnvelope{}, ctx.Err()
	}
}

func (c *rpcClient) GetState(ctx domain.Context) (domain.RecorderStatusReport, error) {
	reply, err := c.call(ctx, rpcEnvelope{Method: "GetState"})
	if err != nil {
		return domain.RecorderStatusReport{}, err
	}
	if reply.Report == nil {
		return domain.RecorderStatusReport{}, fmt.Errorf("rpc: GetState reply missing report")
	}
	return *reply.Report, nil
}

func (c *rpcClient) SetConfig(ctx domain.Context, kv map[string]string) (domain.ResponseStatus, error) {
	reply, err := c.call(ctx, rpcEnvelope{Method: "SetConfig", Params: kv})
	return statusFromWire(reply, err)
}

func (c *rpcClient) SetCommand(ctx domain.Context, command string, params map[string]string) (domain.ResponseStatus, error) {
	reply, err := c.call(ctx, rpcEnvelope{Method: "SetCommand", Command: command, Params: params})
	return statusFromWire(reply, err)
}

func (c *rpcClient) Close() error { return nil }

func statusFromWire(reply rpcEnvelope, err error) (domain.ResponseStatus, error) {
	if err != nil {
		return domain.ResponseStatus{}, err
	}
	if reply.Status == nil {
		return domain.ResponseStatus{}, fmt.Errorf("rpc: reply missing status")
	}
	return *reply.Status, nil
}

// Package transport defines the ports the coordinator uses to reach the
// outside world: a pub/sub monitoring feed plus RPC dial to recorder
// clients. Concrete implementations live under internal/adapter/transport;
// internal/transport/transporttest provides in-memory fakes for tests.
package transport

import (
	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// InstanceID names one bound RPC service instance discovered on a host.
// Opaque to the coordinator; only the transport adapter interprets it.
type InstanceID string

// ProcessRow is one process row of a monitoring snapshot.
type ProcessRow struct {
	Host     domain.HostName
	PID      int32
	UnitName string
}

// PublisherRow is one publisher row of a monitoring snapshot.
type PublisherRow struct {
	Host      domain.HostName
	UnitName  string
	Topic     string
	TypeInfo  string
}

// SubscriberRow is one subscriber row of a monitoring snapshot. FrequencyMilliHz
// mirrors the wire unit (milli-Hz) the real eCAL monitoring layer reports;
// internal/monitor divides by 1000 to get Hz.
type SubscriberRow struct {
	Host             domain.HostName
	PID              int32
	UnitName         string
	Topic            string
	FrequencyMilliHz float64
}

// MonitoringSnapshot is the raw feed one monitor tick reads from the
// middleware, before internal/monitor folds it into domain.TopicInfo.
type MonitoringSnapshot struct {
	Processes   []ProcessRow
	Publishers  []PublisherRow
	Subscribers []SubscriberRow
}

// RecorderClientRPC is the recorder-client RPC service contract a bound
// connection drives: GetState, SetConfig, SetCommand.
type RecorderClientRPC interface {
	GetState(ctx domain.Context) (domain.RecorderStatusReport, error)
	SetConfig(ctx domain.Context, kv map[string]string) (domain.ResponseStatus, error)
	SetCommand(ctx domain.Context, command string, params map[string]string) (domain.ResponseStatus, error)
	Close() error
}

// Transport is the pub/sub middleware port: periodic monitoring snapshots,
// discovery of RPC service instances by host, and a broadcast publish
// channel for coordinator state.
type Transport interface {
	Snapshot(ctx domain.Context) (MonitoringSnapshot, error)
	DiscoverInstances(ctx domain.Context, host domain.HostName) ([]InstanceID, error)
	Dial(ctx domain.Context, host domain.HostName, instance InstanceID) (RecorderClientRPC, error)
	PublishBroadcast(ctx domain.Context, topic string, payload []byte) error
}

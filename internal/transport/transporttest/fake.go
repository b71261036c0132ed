// Package transporttest provides in-memory fakes of internal/transport for
// unit tests that need to drive a connection's worker loop or a
// coordinator's lifecycle without a real pub/sub broker.
package transporttest

import (
	"sync"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/transport"
)

// FakeRPC is a scriptable transport.RecorderClientRPC: tests install
// canned responses/errors and inspect the calls it recorded.
type FakeRPC struct {
	mu sync.Mutex

	StateReport domain.RecorderStatusReport
	StateErr    error

	SetConfigResp domain.ResponseStatus
	SetConfigErr  error

	SetCommandResp domain.ResponseStatus
	SetCommandErr  error

	Closed bool

	GetStateCalls   int
	SetConfigCalls  []map[string]string
	SetCommandCalls []SetCommandCall
}

// SetCommandCall records one SetCommand invocation for assertions.
type SetCommandCall struct {
	Command string
	Params  map[string]string
}

func (f *FakeRPC) GetState(ctx domain.Context) (domain.RecorderStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetStateCalls++
	return f.StateReport, f.StateErr
}

func (f *FakeRPC) SetConfig(ctx domain.Context, kv map[string]string) (domain.ResponseStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetConfigCalls = append(f.SetConfigCalls, kv)
	return f.SetConfigResp, f.SetConfigErr
}

func (f *FakeRPC) SetCommand(ctx domain.Context, command string, params map[string]string) (domain.ResponseStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetCommandCalls = append(f.SetCommandCalls, SetCommandCall{Command: command, Params: params})
	return f.SetCommandResp, f.SetCommandErr
}

func (f *FakeRPC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FakeTransport is a scriptable transport.Transport backed by a map of
// per-host FakeRPC instances.
type FakeTransport struct {
	mu sync.Mutex

	Snap    transport.MonitoringSnapshot
	SnapErr error

	Instances map[domain.HostName][]transport.InstanceID
	Clients   map[domain.HostName]*FakeRPC

	Broadcasts []BroadcastCall
}

// BroadcastCall records one PublishBroadcast invocation.
type BroadcastCall struct {
	Topic   string
	Payload []byte
}

// NewFakeTransport builds an empty FakeTransport ready to register hosts.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Instances: make(map[domain.HostName][]transport.InstanceID),
		Clients:   make(map[domain.HostName]*FakeRPC),
	}
}

// RegisterHost makes host discoverable with a single bindable instance and
// returns the FakeRPC that instance will dial to, so the test can script
// its responses.
func (f *FakeTransport) RegisterHost(host domain.HostName) *FakeRPC {
	f.mu.Lock()
	defer f.mu.Unlock()
	rpc := &FakeRPC{}
	f.Instances[host] = []transport.InstanceID{transport.InstanceID(host + "-instance")}
	f.Clients[host] = rpc
	return rpc
}

// Unregister removes host from discovery, simulating the peer vanishing.
func (f *FakeTransport) Unregister(host domain.HostName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Instances, host)
	delete(f.Clients, host)
}

func (f *FakeTransport) Snapshot(ctx domain.Context) (transport.MonitoringSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Snap, f.SnapErr
}

func (f *FakeTransport) DiscoverInstances(ctx domain.Context, host domain.HostName) ([]transport.InstanceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.InstanceID(nil), f.Instances[host]...), nil
}

func (f *FakeTransport) Dial(ctx domain.Context, host domain.HostName, instance transport.InstanceID) (transport.RecorderClientRPC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rpc, ok := f.Clients[host]
	if !ok {
		return nil, domain.ErrNotConnected
	}
	return rpc, nil
}

func (f *FakeTransport) PublishBroadcast(ctx domain.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Broadcasts = append(f.Broadcasts, BroadcastCall{Topic: topic, Payload: payload})
	return nil
}

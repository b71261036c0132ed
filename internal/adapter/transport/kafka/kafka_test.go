package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// startRedpanda spins up a throwaway single-node Redpanda broker for the
// transport's integration tests, grounded on the teacher's
// internal/adapter/queue/redpanda testcontainers pattern. Tests skip
// cleanly when Docker isn't available.
func startRedpanda(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := tc.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.2.7",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda", "start", "--overprovisioned", "--smp", "1",
			"--memory", "512M", "--reserve-memory", "0M", "--node-id", "0",
			"--check=false", "--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", "PLAINTEXT://localhost:9092",
		},
		WaitingFor: wait.ForLog("Successfully started Redpanda!").WithStartupTimeout(90 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker not available, skipping kafka transport integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9092")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func testConfig(broker string) Config {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	return Config{
		Brokers:               []string{broker},
		DiscoveryTopic:        "discovery-" + suffix,
		MonitoringTopic:       "monitoring-" + suffix,
		BroadcastTopic:        "broadcast-" + suffix,
		RPCRequestTopicPrefix: "rpc-req-" + suffix + ".",
		RPCReplyTopic:         "rpc-reply-" + suffix,
		GroupID:               "test-group-" + suffix,
		RPCTimeout:            3 * time.Second,
	}
}

func TestTransport_DiscoveryAndBroadcast(t *testing.T) {
	broker := startRedpanda(t)
	cfg := testConfig(broker)

	tr, err := New(cfg, nil)
	require.NoError(t, err)
	defer tr.Close()

	ann := discoveryAnnouncement{Host: "host-a", Instance: "inst-1"}
	payload, err := json.Marshal(ann)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.PublishBroadcast(ctx, "irrelevant-key", []byte("noop")))
	res := tr.client.ProduceSync(ctx, &kgo.Record{Topic: cfg.DiscoveryTopic, Value: payload})
	require.NoError(t, res.FirstErr())

	assert.Eventually(t, func() bool {
		instances, err := tr.DiscoverInstances(ctx, domain.HostName("host-a"))
		return err == nil && len(instances) == 1
	}, 10*time.Second, 100*time.Millisecond)
}

func TestTransport_DialTimesOutWithoutPeer(t *testing.T) {
	broker := startRedpanda(t)
	cfg := testConfig(broker)
	cfg.RPCTimeout = 500 * time.Millisecond

	tr, err := New(cfg, nil)
	require.NoError(t, err)
	defer tr.Close()

	rpc, err := tr.Dial(context.Background(), domain.HostName("host-a"), "inst-1")
	require.NoError(t, err)
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = rpc.GetState(ctx)
	assert.Error(t, err)
}

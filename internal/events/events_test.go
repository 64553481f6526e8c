package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "architect.runs.20260301-120000-abc123.task",
		Subject("architect", "20260301-120000-abc123", KindTask))
	assert.Equal(t, "ci.runs.a_b.gate", Subject("ci", "a.b", KindGate))
	assert.Equal(t, "ci.runs._.run", Subject("ci", "", KindRun))
}

func TestNATS_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("architect.runs.r1.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p := NewNATS(nc, "", nil)
	p.Publish(Event{Kind: KindPatch, RunID: "r1", TaskID: "task-implement-001", Status: "pending"})
	p.Close()

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "architect.runs.r1.patch", msg.Subject)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "task-implement-001", ev.TaskID)
	assert.Equal(t, "pending", ev.Status)
	assert.False(t, ev.At.IsZero())
	assert.False(t, nc.IsClosed(), "borrowed connection stays open")
}

func TestOpen(t *testing.T) {
	p, err := Open("", "architect", nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	server := startTestNATSServer(t)
	p, err = Open(server.ClientURL(), "architect", nil)
	require.NoError(t, err)
	owned, ok := p.(*NATS)
	require.True(t, ok)
	p.Close()
	assert.True(t, owned.conn.IsClosed())
}

package kafka

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/linkingthing/cement/log"
	kg "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
)

func TestMain(m *testing.M) {
	log.InitLogger(log.Info)
	os.Exit(m.Run())
}

type fakeWriter struct {
	lock     sync.Mutex
	messages []kg.Message
	failures int
	closed   bool
	written  chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{written: make(chan struct{}, 16)}
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kg.Message) error {
	w.lock.Lock()
	defer func() {
		w.lock.Unlock()
		w.written <- struct{}{}
	}()

	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}

	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.lock.Lock()
	w.closed = true
	w.lock.Unlock()
	return nil
}

func (w *fakeWriter) Messages() []kg.Message {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]kg.Message(nil), w.messages...)
}

func testLease(state resource.LeaseState) *resource.Lease {
	hw, _ := net.ParseMAC("00:00:5e:00:53:01")
	return &resource.Lease{
		Scope:     "0.0.0",
		HwAddress: hw,
		Address:   netip.MustParseAddr("192.0.2.1"),
		Expire:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		State:     state,
	}
}

func TestLeaseEventMessage(t *testing.T) {
	s := newLeaseEventService(newFakeWriter(), "")
	s.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	msg, err := s.leaseEventMessage(service.LeaseEvent{
		Type: service.LeaseEventBound, Lease: testLease(resource.LeaseStateBound)})
	require.NoError(t, err)
	assert.Equal(t, DefaultLeaseEventTopic, msg.Topic)
	assert.Equal(t, "00:00:5E:00:53:01", string(msg.Key))

	var payload structpb.Struct
	require.NoError(t, proto.Unmarshal(msg.Value, &payload))
	fields := payload.AsMap()
	assert.Equal(t, "bound", fields[LeaseEventFieldType])
	assert.Equal(t, "192.0.2.1", fields[LeaseEventFieldAddress])
	assert.Equal(t, "00:00:5E:00:53:01", fields[LeaseEventFieldHwAddr])
	assert.Equal(t, "0.0.0", fields[LeaseEventFieldScope])
	assert.Equal(t, "bound", fields[LeaseEventFieldState])
	assert.Equal(t, float64(1704110400), fields[LeaseEventFieldExpire])
	assert.Equal(t, float64(1704067200), fields[LeaseEventFieldOccurred])
}

func TestLeaseEventServiceRun(t *testing.T) {
	writer := newFakeWriter()
	writer.failures = 1
	s := newLeaseEventService(writer, "lease_events")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Run(ctx)
	}()

	s.PublishLeaseEvents([]service.LeaseEvent{
		{Type: service.LeaseEventOffered, Lease: testLease(resource.LeaseStateOffered)},
		{Type: service.LeaseEventBound, Lease: testLease(resource.LeaseStateBound)},
	})

	for i := 0; i < 2; i++ {
		select {
		case <-writer.written:
		case <-time.After(time.Second):
			t.Fatal("lease event was not written")
		}
	}

	cancel()
	require.NoError(t, <-done)

	messages := writer.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "lease_events", messages[0].Topic)
	writer.lock.Lock()
	assert.True(t, writer.closed)
	writer.lock.Unlock()
}

func TestPublishLeaseEventsDropsWhenFull(t *testing.T) {
	s := newLeaseEventService(newFakeWriter(), "")
	events := make([]service.LeaseEvent, leaseEventQueueSize+10)
	for i := range events {
		events[i] = service.LeaseEvent{Type: service.LeaseEventExpired, Lease: testLease(resource.LeaseStateExpired)}
	}

	s.PublishLeaseEvents(events)
	assert.Len(t, s.events, leaseEventQueueSize)
}

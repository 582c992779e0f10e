package kafka

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/linkingthing/cement/log"
	kg "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linkingthing/clxone-homedhcp/config"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
)

const (
	DefaultLeaseEventTopic  = "homedhcp_lease_events"
	leaseEventQueueSize     = 1024
	leaseEventWriteTimeout  = 5 * time.Second
	LeaseEventFieldType     = "type"
	LeaseEventFieldAddress  = "address"
	LeaseEventFieldHwAddr   = "hwAddress"
	LeaseEventFieldScope    = "scope"
	LeaseEventFieldState    = "state"
	LeaseEventFieldExpire   = "expire"
	LeaseEventFieldOccurred = "occurred"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kg.Message) error
	Close() error
}

// LeaseEventService streams lease transitions to kafka. Publishing only
// queues the events; Run drains the queue onto the writer.
type LeaseEventService struct {
	writer messageWriter
	topic  string
	events chan service.LeaseEvent
	now    func() time.Time
}

func NewLeaseEventService(conf config.KafkaConf) *LeaseEventService {
	writer := &kg.Writer{
		Addr:       kg.TCP(conf.Addrs...),
		BatchSize:  1,
		BatchBytes: 10e8,
		Balancer:   &kg.LeastBytes{},
	}

	if conf.Username != "" {
		writer.Transport = &kg.Transport{
			SASL: plain.Mechanism{
				Username: conf.Username,
				Password: conf.Password,
			},
			TLS: &tls.Config{
				InsecureSkipVerify: true,
			},
		}
	}

	return newLeaseEventService(writer, conf.Topic)
}

func newLeaseEventService(writer messageWriter, topic string) *LeaseEventService {
	if topic == "" {
		topic = DefaultLeaseEventTopic
	}

	return &LeaseEventService{
		writer: writer,
		topic:  topic,
		events: make(chan service.LeaseEvent, leaseEventQueueSize),
		now:    time.Now,
	}
}

func (s *LeaseEventService) PublishLeaseEvents(events []service.LeaseEvent) {
	for _, event := range events {
		select {
		case s.events <- event:
		default:
			log.Warnf("lease event queue is full, drop %s event of %s",
				event.Type, event.Lease.Address)
		}
	}
}

// Run writes queued events until ctx is done, then closes the writer.
func (s *LeaseEventService) Run(ctx context.Context) error {
	defer func() {
		if err := s.writer.Close(); err != nil {
			log.Warnf("close lease event writer failed: %s", err.Error())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-s.events:
			s.write(ctx, event)
		}
	}
}

func (s *LeaseEventService) write(ctx context.Context, event service.LeaseEvent) {
	msg, err := s.leaseEventMessage(event)
	if err != nil {
		log.Warnf("marshal %s event of %s failed: %s", event.Type, event.Lease.Address, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, leaseEventWriteTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		log.Warnf("send %s event of %s to kafka failed: %s", event.Type, event.Lease.Address, err.Error())
	}
}

func (s *LeaseEventService) leaseEventMessage(event service.LeaseEvent) (kg.Message, error) {
	payload, err := structpb.NewStruct(map[string]interface{}{
		LeaseEventFieldType:     string(event.Type),
		LeaseEventFieldAddress:  event.Lease.Address.String(),
		LeaseEventFieldHwAddr:   strings.ToUpper(event.Lease.HwAddress.String()),
		LeaseEventFieldScope:    event.Lease.Scope,
		LeaseEventFieldState:    string(event.Lease.State),
		LeaseEventFieldExpire:   event.Lease.Expire.Unix(),
		LeaseEventFieldOccurred: s.now().Unix(),
	})
	if err != nil {
		return kg.Message{}, err
	}

	data, err := proto.Marshal(payload)
	if err != nil {
		return kg.Message{}, err
	}

	return kg.Message{
		Topic: s.topic,
		Key:   []byte(strings.ToUpper(event.Lease.HwAddress.String())),
		Value: data,
	}, nil
}

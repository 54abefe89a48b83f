package report

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"FlowScope/internal/model"
	"FlowScope/pkg/log"
)

// NATSPublisher publishes each snapshot JSON-encoded to one subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to the NATS server.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("flowscope-engine"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	log.Infof("connected to NATS server at %s", url)
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Write publishes one snapshot.
func (p *NATSPublisher) Write(tf *model.TopFlows) error {
	data, err := json.Marshal(tf)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	log.Infof("NATS connection drained and closed")
	return err
}

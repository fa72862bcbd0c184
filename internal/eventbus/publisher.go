// Package eventbus hands finalized violation records to case management over
// NATS.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"billboard-sentinel/internal/domain/billboard"
)

const DefaultSubject = "violations.finalized"

type ViolationFinalizedEvent struct {
	RecordID        string                     `json:"record_id"`
	ReportID        string                     `json:"report_id"`
	HasViolation    bool                       `json:"has_violation"`
	DatasetVersion  string                     `json:"dataset_version,omitempty"`
	Record          *billboard.ViolationRecord `json:"record"`
	RedactedRegions int                        `json:"redacted_regions"`
	Timestamp       int64                      `json:"timestamp"`
}

type Publisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

func NewPublisher(natsURL, subject string, log zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("billboard-sentinel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	log.Info().Str("url", natsURL).Str("subject", subject).Msg("connected to nats")
	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

func (p *Publisher) PublishFinalized(rec *billboard.ViolationRecord, mask billboard.RedactionMask) error {
	data, err := encodeFinalized(rec, mask, time.Now())
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	p.log.Debug().Str("record_id", rec.ID()).Str("subject", p.subject).Msg("published finalized record")
	return nil
}

func encodeFinalized(rec *billboard.ViolationRecord, mask billboard.RedactionMask, now time.Time) ([]byte, error) {
	event := ViolationFinalizedEvent{
		RecordID:        rec.ID(),
		ReportID:        rec.ReportID(),
		HasViolation:    rec.HasViolation(),
		DatasetVersion:  rec.DatasetVersion(),
		Record:          rec,
		RedactedRegions: len(mask.Regions),
		Timestamp:       now.Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal finalized event: %w", err)
	}
	return data, nil
}

func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
		p.log.Info().Msg("disconnected from nats")
	}
}

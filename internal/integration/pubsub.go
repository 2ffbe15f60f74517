package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"dukapos/backend/internal/domain"
)

// PubSubTaxSubmitter queues invoices for the tax authority worker. The
// worker owns the KRA protocol; this side only guarantees the message was
// accepted by Pub/Sub.
type PubSubTaxSubmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubTaxSubmitter uses Application Default Credentials unless
// credentialsJSON is set.
func NewPubSubTaxSubmitter(ctx context.Context, projectID string, topicName string, credentialsJSON string) (*PubSubTaxSubmitter, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if topicName == "" {
		return nil, errors.New("pubsub topic is required")
	}

	var (
		client *pubsub.Client
		err    error
	)
	if credentialsJSON != "" {
		client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubTaxSubmitter{client: client, topic: client.Topic(topicName)}, nil
}

func (p *PubSubTaxSubmitter) SubmitInvoice(ctx context.Context, event domain.SaleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":        event.Kind,
			"sale_number": event.SaleNumber,
		},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubTaxSubmitter) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

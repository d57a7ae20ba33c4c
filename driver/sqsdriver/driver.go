// Package sqsdriver implements tasq.Driver over Amazon SQS.
//
// SQS imposes two constraints the uniform Driver interface otherwise
// hides from callers: a message's delivery delay cannot exceed 900
// seconds, and dead-lettering is only possible when the queue has a
// configured redrive policy pointing at a separate queue this driver
// also knows about.
package sqsdriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/tasqhq/tasq"
)

// maxSQSDelay is SQS's hard ceiling on a message's DelaySeconds.
const maxSQSDelay = 900 * time.Second

// Driver implements tasq.Driver over a single SQS queue URL per logical
// tasq queue name. queueURLs maps a logical queue name (as passed to
// Enqueue/Fetch) to its physical SQS queue URL; redriveURLs optionally
// maps a logical queue name to a dead-letter queue URL, enabling
// DeadLetter for that queue.
type Driver struct {
	client      *sqs.Client
	queueURLs   map[string]string
	redriveURLs map[string]string
	visibility  time.Duration
}

// NewDriver builds a Driver. visibility is the visibility timeout
// requested on every ReceiveMessage; an envelope's own visibility
// timeout is not consulted.
func NewDriver(client *sqs.Client, queueURLs, redriveURLs map[string]string, visibility time.Duration) *Driver {
	return &Driver{client: client, queueURLs: queueURLs, redriveURLs: redriveURLs, visibility: visibility}
}

func (d *Driver) Connect(ctx context.Context) error {
	for name, url := range d.queueURLs {
		if _, err := d.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: aws.String(url)}); err != nil {
			return errors.Join(tasq.ErrConnectFail, fmt.Errorf("queue %q: %w", name, err))
		}
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	return nil
}

func (d *Driver) Enqueue(ctx context.Context, queue string, env []byte, delay time.Duration) error {
	url, ok := d.queueURLs[queue]
	if !ok {
		return fmt.Errorf("sqsdriver: unknown queue %q", queue)
	}
	if delay > maxSQSDelay {
		return tasq.ErrUnsupportedOp
	}
	_, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		DelaySeconds: int32(delay / time.Second),
		// SQS message bodies must be valid UTF-8; the envelope is
		// arbitrary binary msgpack, so it travels base64-wrapped.
		MessageBody: aws.String(base64.StdEncoding.EncodeToString(env)),
	})
	return err
}

func (d *Driver) Fetch(ctx context.Context, queues []string, maxBatch int, waitDeadline time.Duration) ([]tasq.Delivery, error) {
	if len(queues) == 0 || maxBatch <= 0 {
		return nil, nil
	}
	waitSeconds := int32(waitDeadline / time.Second)
	if waitSeconds > 20 {
		waitSeconds = 20 // SQS long-poll ceiling
	}
	batch := maxBatch
	if batch > 10 {
		batch = 10 // ReceiveMessage ceiling per call
	}

	var out []tasq.Delivery
	for _, q := range queues {
		url, ok := d.queueURLs[q]
		if !ok {
			continue
		}
		resp, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   int32(batch - len(out)),
			WaitTimeSeconds:       waitSeconds,
			VisibilityTimeout:     int32(d.visibility / time.Second),
			AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameApproximateReceiveCount},
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			return nil, err
		}
		for _, msg := range resp.Messages {
			raw, err := base64.StdEncoding.DecodeString(aws.ToString(msg.Body))
			if err != nil {
				continue
			}
			attempt := 1
			if s, ok := msg.Attributes[string(types.QueueAttributeNameApproximateReceiveCount)]; ok {
				if n, err := strconv.Atoi(s); err == nil {
					attempt = n
				}
			}
			out = append(out, tasq.Delivery{
				Handle:          tasq.Handle{Queue: q, Opaque: handleOpaque{Queue: q, ReceiptHandle: aws.ToString(msg.ReceiptHandle), Raw: raw}},
				Envelope:        raw,
				DeliveryAttempt: attempt,
			})
		}
		if len(out) >= batch {
			break
		}
	}
	return out, nil
}

type handleOpaque struct {
	Queue         string
	ReceiptHandle string
	Raw           []byte
}

func (d *Driver) opaque(h tasq.Handle) (handleOpaque, string, error) {
	op, ok := h.Opaque.(handleOpaque)
	if !ok {
		return handleOpaque{}, "", fmt.Errorf("sqsdriver: malformed handle")
	}
	url, ok := d.queueURLs[op.Queue]
	if !ok {
		return handleOpaque{}, "", fmt.Errorf("sqsdriver: unknown queue %q", op.Queue)
	}
	return op, url, nil
}

func (d *Driver) Ack(ctx context.Context, h tasq.Handle) error {
	op, url, err := d.opaque(h)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(op.ReceiptHandle),
	})
	if isReceiptExpired(err) {
		return tasq.ErrLeaseLost
	}
	return err
}

func (d *Driver) Nack(ctx context.Context, h tasq.Handle, requeueAfter time.Duration) error {
	op, url, err := d.opaque(h)
	if err != nil {
		return err
	}
	delay := requeueAfter
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	_, err = d.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(op.ReceiptHandle),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if isReceiptExpired(err) {
		return tasq.ErrLeaseLost
	}
	return err
}

// DeadLetter deletes the message from its source queue and republishes
// it onto the configured redrive queue, if one was configured for this
// queue; otherwise it returns ErrUnsupportedOp, leaving the message to
// whatever native redrive policy (if any) the queue itself has.
func (d *Driver) DeadLetter(ctx context.Context, h tasq.Handle, reason string) error {
	op, url, err := d.opaque(h)
	if err != nil {
		return err
	}
	redriveURL, ok := d.redriveURLs[op.Queue]
	if !ok {
		return tasq.ErrUnsupportedOp
	}

	_, err = d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(redriveURL),
		MessageBody: aws.String(base64.StdEncoding.EncodeToString(op.Raw)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"reason": {DataType: aws.String("String"), StringValue: aws.String(reason)},
		},
	})
	if err != nil {
		return err
	}

	_, err = d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(op.ReceiptHandle),
	})
	if isReceiptExpired(err) {
		return tasq.ErrLeaseLost
	}
	return err
}

func (d *Driver) ExtendLease(ctx context.Context, h tasq.Handle, additional time.Duration) error {
	op, url, err := d.opaque(h)
	if err != nil {
		return err
	}
	_, err = d.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(op.ReceiptHandle),
		VisibilityTimeout: int32(additional / time.Second),
	})
	if isReceiptExpired(err) {
		return tasq.ErrLeaseLost
	}
	return err
}

// QueueDepth reports SQS's ApproximateNumberOfMessages attribute:
// always an estimate, never an exact count.
func (d *Driver) QueueDepth(ctx context.Context, queue string) (int64, bool, error) {
	url, ok := d.queueURLs[queue]
	if !ok {
		return 0, true, fmt.Errorf("sqsdriver: unknown queue %q", queue)
	}
	resp, err := d.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, true, err
	}
	n, _ := strconv.ParseInt(resp.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	return n, true, nil
}

// SupportsLeaseRenewal reports true: ChangeMessageVisibility lets a
// Worker explicitly extend an in-flight message's visibility timeout.
func (d *Driver) SupportsLeaseRenewal() bool {
	return true
}

func isReceiptExpired(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.ReceiptHandleIsInvalid
	return errors.As(err, &notFound)
}

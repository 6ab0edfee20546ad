package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/watchmesh/backend/internal/core"
)

// CloudSender hands alert emails to Google Cloud Tasks for durable,
// at-least-once delivery. Each Send enqueues one HTTP task that POSTs the
// mail payload to the relay endpoint; the queue owns retries, backoff and
// the dead-letter path.
//
// Falls back to the wrapped sender when the enqueue itself fails, so a
// Cloud Tasks outage degrades to direct delivery instead of silence.
type CloudSender struct {
	client    *cloudtasks.Client
	queuePath string
	relayURL  string
	fallback  core.EmailSender
	logger    *log.Logger
}

// mailTask is the payload the relay endpoint receives.
type mailTask struct {
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Queued  time.Time `json:"queued"`
}

// NewCloudSender connects to the Cloud Tasks queue identified by
// projectID/locationID/queueID. relayURL is the HTTP endpoint the tasks
// POST to; fallback may be nil.
func NewCloudSender(projectID, locationID, queueID, relayURL string, fallback core.EmailSender) (*CloudSender, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	s := &CloudSender{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		relayURL:  relayURL,
		fallback:  fallback,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	s.logger.Printf("✅ Connected to Cloud Tasks queue: %s", s.queuePath)
	return s, nil
}

// Send enqueues the mail as an HTTP task. The notifier's own retry loop
// wraps this call, so an enqueue failure after fallback is a real failure.
func (s *CloudSender) Send(ctx context.Context, to []string, subject, body string) error {
	payload, err := json.Marshal(mailTask{To: to, Subject: subject, Body: body, Queued: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling mail task: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.relayURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       payload,
				},
			},
		},
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := s.client.CreateTask(enqueueCtx, req)
	if err != nil {
		s.logger.Printf("❌ Cloud Task enqueue failed for %v: %v", to, err)
		if s.fallback != nil {
			s.logger.Printf("↩️ Falling back to direct delivery for %v", to)
			return s.fallback.Send(ctx, to, subject, body)
		}
		return fmt.Errorf("enqueueing mail task: %w", err)
	}

	s.logger.Printf("📤 Enqueued mail task %s for %v", task.GetName(), to)
	return nil
}

// Close releases the Cloud Tasks client.
func (s *CloudSender) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	s.logger.Printf("🔌 Cloud Tasks mail sender closed")
}

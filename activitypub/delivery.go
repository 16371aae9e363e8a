package activitypub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pharosrelay/pharos/db"
)

const (
	deliveryWorkers     = 8
	deliveryBaseBackoff = 500 * time.Millisecond
	deliveryMaxBackoff  = time.Minute
	deliveryMaxAttempts = 8
	deliveryTimeout     = 15 * time.Second
)

// Delivery is one signed POST to one remote inbox. Deliveries to distinct
// followers are independent; one unreachable follower never blocks the rest.
type Delivery struct {
	ActorURI string // recipient relay, for the unreachable flag
	InboxURI string
	Body     []byte
	Attempt  int
}

// Dispatcher fans activities out to remote inboxes through a bounded worker
// pool, retrying each delivery with exponential backoff. After the attempt
// budget is spent the recipient is flagged unreachable; the follower edge is
// kept.
type Dispatcher struct {
	database *db.DB
	keys     *KeyManager
	client   *http.Client
	jobs     chan *Delivery

	// OnResult, when set before Start, is invoked after each delivery is
	// finally settled (success or retries exhausted).
	OnResult func(d *Delivery, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(database *db.DB, keys *KeyManager) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		database: database,
		keys:     keys,
		client:   &http.Client{Timeout: deliveryTimeout},
		jobs:     make(chan *Delivery, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	log.Printf("Delivery: Starting %d delivery workers", deliveryWorkers)
	for i := 0; i < deliveryWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop cancels in-flight work and waits for the workers to drain.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Enqueue submits one delivery for asynchronous dispatch.
func (d *Dispatcher) Enqueue(actorURI, inboxURI string, body []byte) {
	job := &Delivery{ActorURI: actorURI, InboxURI: inboxURI, Body: body, Attempt: 1}
	select {
	case d.jobs <- job:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.jobs:
			d.attempt(job)
		}
	}
}

func (d *Dispatcher) attempt(job *Delivery) {
	err := d.deliver(job)
	if err == nil {
		log.Printf("Delivery: Delivered to %s (attempt %d)", job.InboxURI, job.Attempt)
		if dbErr := d.database.SetRelayUnreachable(job.ActorURI, false); dbErr != nil {
			log.Printf("Delivery: Failed to clear unreachable flag for %s: %v", job.ActorURI, dbErr)
		}
		d.settle(job, nil)
		return
	}

	if job.Attempt >= deliveryMaxAttempts {
		log.Printf("Delivery: Giving up on %s after %d attempts, flagging unreachable: %v",
			job.InboxURI, job.Attempt, err)
		if dbErr := d.database.SetRelayUnreachable(job.ActorURI, true); dbErr != nil {
			log.Printf("Delivery: Failed to flag %s unreachable: %v", job.ActorURI, dbErr)
		}
		d.settle(job, err)
		return
	}

	delay := backoffFor(job.Attempt)
	log.Printf("Delivery: Delivery to %s failed (attempt %d), retry in %v: %v",
		job.InboxURI, job.Attempt, delay, err)
	job.Attempt++
	time.AfterFunc(delay, func() {
		select {
		case d.jobs <- job:
		case <-d.ctx.Done():
		}
	})
}

func (d *Dispatcher) settle(job *Delivery, err error) {
	if d.OnResult != nil {
		d.OnResult(job, err)
	}
}

// backoffFor doubles the base interval per attempt up to the cap.
func backoffFor(attempt int) time.Duration {
	if attempt > deliveryMaxAttempts {
		attempt = deliveryMaxAttempts
	}
	backoff := deliveryBaseBackoff << uint(attempt-1)
	if backoff > deliveryMaxBackoff {
		backoff = deliveryMaxBackoff
	}
	return backoff
}

// deliver signs and posts one activity to a remote inbox.
func (d *Dispatcher) deliver(job *Delivery) error {
	ctx, cancel := context.WithTimeout(d.ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", job.InboxURI, bytes.NewReader(job.Body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	hash := sha256.Sum256(job.Body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	if err := SignRequest(req, d.keys.PrivateKey(), d.keys.KeyId()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote relay returned status: %d", resp.StatusCode)
	}

	return nil
}

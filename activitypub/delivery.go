package activitypub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// DeliveryWorker drains the delivery queue. Jobs group by destination
// domain: within a domain they run oldest-first, one at a time, so
// per-destination ordering holds; across domains delivery is parallel up
// to MaxParallelDomains. Each domain carries a circuit breaker that opens
// after a run of consecutive failures and short-circuits attempts until
// the cooldown passes.
type DeliveryWorker struct {
	db     *db.DB
	conf   *util.AppConfig
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*breaker
	inflight map[string]bool

	sem chan struct{}
}

// breaker is the per-domain circuit breaker state.
type breaker struct {
	failures  int
	openUntil time.Time
}

func NewDeliveryWorker(database *db.DB, conf *util.AppConfig) *DeliveryWorker {
	return &DeliveryWorker{
		db:       database,
		conf:     conf,
		client:   &http.Client{Timeout: conf.Federation.RequestTimeout()},
		breakers: make(map[string]*breaker),
		inflight: make(map[string]bool),
		sem:      make(chan struct{}, conf.Federation.MaxParallelDomains),
	}
}

// Run polls the queue until ctx is canceled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	log.Println("DeliveryWorker: starting")

	// A previous process may have died mid-attempt, stranding jobs in
	// the in_flight state where ReadDueDeliveries never sees them.
	w.requeueStale()

	ticker := time.NewTicker(w.conf.Federation.PollInterval())
	defer ticker.Stop()

	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("DeliveryWorker: stopping")
			return
		case <-sweep.C:
			if n, err := w.db.SweepDeliveries(time.Now().Add(-w.conf.Federation.Retention())); err != nil {
				log.Printf("DeliveryWorker: sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("DeliveryWorker: swept %d terminal jobs", n)
			}
			w.requeueStale()
		case <-ticker.C:
			w.processQueue(ctx)
		}
	}
}

// requeueStale returns in_flight jobs whose attempt should long be over
// to the queued state.
func (w *DeliveryWorker) requeueStale() {
	cutoff := time.Now().Add(-2 * w.conf.Federation.RequestTimeout())
	if n, err := w.db.RequeueStaleInFlight(cutoff); err != nil {
		log.Printf("DeliveryWorker: failed to requeue stale jobs: %v", err)
	} else if n > 0 {
		log.Printf("DeliveryWorker: requeued %d stale in-flight jobs", n)
	}
}

// processQueue takes one batch of due jobs and dispatches them by domain.
func (w *DeliveryWorker) processQueue(ctx context.Context) {
	err, jobs := w.db.ReadDueDeliveries(time.Now(), 200)
	if err != nil {
		log.Printf("DeliveryWorker: failed to read queue: %v", err)
		return
	}
	if jobs == nil || len(*jobs) == 0 {
		return
	}

	byDomain := make(map[string][]domain.DeliveryJob)
	for _, job := range *jobs {
		byDomain[job.Domain] = append(byDomain[job.Domain], job)
	}

	for dom, domainJobs := range byDomain {
		w.mu.Lock()
		if w.inflight[dom] {
			w.mu.Unlock()
			continue
		}
		w.inflight[dom] = true
		w.mu.Unlock()

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			w.mu.Lock()
			delete(w.inflight, dom)
			w.mu.Unlock()
			return
		}

		go func(dom string, domainJobs []domain.DeliveryJob) {
			defer func() {
				<-w.sem
				w.mu.Lock()
				delete(w.inflight, dom)
				w.mu.Unlock()
			}()
			w.processDomain(ctx, dom, domainJobs)
		}(dom, domainJobs)
	}
}

// processDomain delivers a domain's due jobs sequentially, at most
// MaxInflightPerDomain of them per cycle so a burst never hammers one
// destination. Any failure stops the batch: a failed job is rescheduled
// behind its backoff, and delivering the jobs queued after it would
// reorder the destination's stream.
func (w *DeliveryWorker) processDomain(ctx context.Context, dom string, jobs []domain.DeliveryJob) {
	if max := w.conf.Federation.MaxInflightPerDomain; max > 0 && len(jobs) > max {
		jobs = jobs[:max]
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := w.deliverJob(ctx, &job); err != nil {
			return
		}
	}
}

// deliverJob runs one attempt for one job and settles its next state.
func (w *DeliveryWorker) deliverJob(ctx context.Context, job *domain.DeliveryJob) error {
	if !w.breakerAllows(job.Domain) {
		metricDeliveries.WithLabelValues("short_circuit").Inc()
		return fmt.Errorf("domain %s: %w", job.Domain, domain.ErrCircuitOpen)
	}

	if err := w.db.MarkDeliveryInFlight(job.Id); err != nil {
		log.Printf("DeliveryWorker: failed to mark %s in flight: %v", job.Id, err)
		return err
	}

	err := w.attempt(ctx, job)
	attempts := job.Attempts + 1

	switch {
	case err == nil:
		metricDeliveries.WithLabelValues("delivered").Inc()
		w.breakerSuccess(job.Domain)
		if err := w.db.MarkDeliveryDelivered(job.Id); err != nil {
			log.Printf("DeliveryWorker: failed to mark %s delivered: %v", job.Id, err)
		}
		if err := w.db.SetFederationStatusByActivityURI(job.ActivityURI, domain.FederationFederated); err != nil {
			log.Printf("DeliveryWorker: failed to mark %s federated: %v", job.ActivityURI, err)
		}
		log.Printf("DeliveryWorker: delivered %s to %s", job.ActivityURI, job.InboxURI)
		return nil

	case errors.Is(err, domain.ErrPermanentDelivery):
		// The destination understood us and said no. Dead-letter now,
		// but the domain itself is alive.
		metricDeliveries.WithLabelValues("permanent").Inc()
		w.breakerSuccess(job.Domain)
		w.deadLetter(job, attempts, err)
		return err

	default:
		metricDeliveries.WithLabelValues("transient").Inc()
		w.breakerFailure(job.Domain)
		if attempts >= w.conf.Federation.MaxAttempts {
			w.deadLetter(job, attempts, err)
			return err
		}
		delay := backoffDelay(w.conf.Federation.BackoffBase(), w.conf.Federation.BackoffCap(), attempts)
		log.Printf("DeliveryWorker: delivery to %s failed (attempt %d), retry in %s: %v", job.InboxURI, attempts, delay, err)
		if err := w.db.RescheduleDelivery(job.Id, attempts, time.Now().Add(delay)); err != nil {
			log.Printf("DeliveryWorker: failed to reschedule %s: %v", job.Id, err)
		}
		return err
	}
}

func (w *DeliveryWorker) deadLetter(job *domain.DeliveryJob, attempts int, cause error) {
	metricDeadLetters.Inc()
	log.Printf("DeliveryWorker: dead-lettering delivery to %s after %d attempts: %v", job.InboxURI, attempts, cause)
	if err := w.db.DeadLetterDelivery(job.Id, attempts); err != nil {
		log.Printf("DeliveryWorker: failed to dead-letter %s: %v", job.Id, err)
	}
	if err := w.db.SetFederationStatusByActivityURI(job.ActivityURI, domain.FederationFailed); err != nil {
		log.Printf("DeliveryWorker: failed to mark %s failed: %v", job.ActivityURI, err)
	}
}

// attempt performs the signed POST for a single job.
func (w *DeliveryWorker) attempt(ctx context.Context, job *domain.DeliveryJob) error {
	err, localAccount := w.db.ReadAccByUsername(job.SignAs)
	if err != nil {
		return fmt.Errorf("failed to get signing account %s: %w", job.SignAs, err)
	}

	privateKey, err := ParsePrivateKey(localAccount.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(job.ActivityJSON)
	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	attemptCtx, cancel := context.WithTimeout(ctx, w.conf.Federation.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST", job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "mammut/1.0 ActivityPub")
	req.Header.Set("Date", util.HTTPDate(time.Now()))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	keyID := fmt.Sprintf("https://%s/users/%s#main-key", w.conf.Conf.SslDomain, localAccount.Username)
	if err := SignRequest(req, privateKey, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	return ClassifyStatus(resp.StatusCode)
}

// ClassifyStatus maps a delivery response status onto the error taxonomy:
// 2xx success, 429 and 5xx transient, remaining 4xx permanent.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("remote server returned status %d: %w", status, domain.ErrTransientNetwork)
	case status >= 400 && status < 500:
		return fmt.Errorf("remote server returned status %d: %w", status, domain.ErrPermanentDelivery)
	default:
		return fmt.Errorf("remote server returned status %d: %w", status, domain.ErrTransientNetwork)
	}
}

// backoffDelay doubles from base per performed attempt, capped.
// Attempt 1 retries after base, attempt 2 after 2*base, and so on.
func backoffDelay(base, ceiling time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (w *DeliveryWorker) breakerAllows(dom string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[dom]
	if !ok {
		return true
	}
	return !time.Now().Before(b.openUntil)
}

func (w *DeliveryWorker) breakerSuccess(dom string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.breakers[dom]; ok {
		b.failures = 0
		b.openUntil = time.Time{}
	}
}

func (w *DeliveryWorker) breakerFailure(dom string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[dom]
	if !ok {
		b = &breaker{}
		w.breakers[dom] = b
	}
	b.failures++
	if b.failures >= w.conf.Federation.BreakerThreshold {
		b.openUntil = time.Now().Add(w.conf.Federation.BreakerCooldown())
		b.failures = 0
		metricBreakerOpens.Inc()
		log.Printf("DeliveryWorker: circuit open for %s until %s", dom, b.openUntil.Format(time.RFC3339))
	}
}

// Enqueue creates one queued job per destination inbox for an activity.
func Enqueue(database *db.DB, activityURI, activityJSON, inboxURI, signAs string) error {
	dom, err := extractDomain(inboxURI)
	if err != nil {
		return err
	}
	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   activityURI,
		InboxURI:      inboxURI,
		Domain:        dom,
		ActivityJSON:  activityJSON,
		SignAs:        signAs,
		State:         domain.DeliveryQueued,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	return database.EnqueueDelivery(job)
}

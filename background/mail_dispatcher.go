// Package background contains services that run independently of the
// request-response cycle. Today that is the verification mail dispatcher:
// registration hands it a message and returns immediately, and a small pool
// of workers delivers the mail in the background.
package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	// `prometheus` provides the delivery counter exposed on /metrics.
	"github.com/prometheus/client_golang/prometheus"

	// `mailer` defines the message type and the Mailer that actually sends it.
	"github.com/user/nutrisync-go/mailer"
)

// Delivery outcomes recorded by MailDeliveries.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// MailDeliveries counts verification emails by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var MailDeliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "nutrisync_mail_deliveries_total",
		Help: "Total number of verification emails by delivery result",
	},
	[]string{"result"},
)

// RegisterMetrics registers the dispatcher metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MailDeliveries)
}

// ErrDispatcherStopped is returned by Enqueue once Stop has been called.
var ErrDispatcherStopped = errors.New("mail dispatcher stopped")

// ErrQueueFull is returned by Enqueue when the queue has no free slot.
var ErrQueueFull = errors.New("mail queue full")

// deliveryResult is what a worker reports after finishing one job.
type deliveryResult struct {
	Email mailer.VerificationEmail
	Err   error
}

// DispatcherOptions tunes the worker pool. Each message is sent exactly
// once; a failed send is logged and counted, never retried.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
}

func (o *DispatcherOptions) applyDefaults() {
	if o.Workers < 1 {
		o.Workers = 2
	}
	if o.QueueSize < 1 {
		o.QueueSize = 100
	}
}

// MailDispatcher delivers verification emails on a bounded worker pool.
//
// The layout is a small pipeline: Enqueue puts jobs on the queue, workers
// take jobs off it and send them, and a single reporter goroutine reads
// worker results and records them. Stop closes the queue, lets the workers
// drain what is left, then waits for the reporter.
type MailDispatcher struct {
	mailer mailer.Mailer
	opts   DispatcherOptions
	logger *slog.Logger

	queue   chan mailer.VerificationEmail
	results chan deliveryResult

	// mu guards closed so Enqueue never sends on a closed queue.
	mu     sync.RWMutex
	closed bool

	// ctx is cancelled when Stop gives up waiting, which aborts in-flight
	// sends. Nothing else bounds a send.
	ctx    context.Context
	cancel context.CancelFunc

	workersWg  sync.WaitGroup
	reporterWg sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewMailDispatcher creates a dispatcher. Call Start before Enqueue.
func NewMailDispatcher(m mailer.Mailer, opts DispatcherOptions, logger *slog.Logger) *MailDispatcher {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &MailDispatcher{
		mailer:  m,
		opts:    opts,
		logger:  logger,
		queue:   make(chan mailer.VerificationEmail, opts.QueueSize),
		results: make(chan deliveryResult, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers and the reporter.
func (d *MailDispatcher) Start() {
	d.startOnce.Do(func() {
		d.logger.Info("mail dispatcher starting", "workers", d.opts.Workers, "queue_size", d.opts.QueueSize)

		// `workersWg.Add` runs before each `go` statement so Wait can't miss one.
		for i := 0; i < d.opts.Workers; i++ {
			d.workersWg.Add(1)
			go d.worker(i)
		}

		d.reporterWg.Add(1)
		go d.reporter()

		// The results channel can only be closed once every worker is done
		// writing to it.
		go func() {
			d.workersWg.Wait()
			close(d.results)
		}()
	})
}

// Enqueue schedules email for delivery without blocking. A full queue drops
// the message: the account still exists and the caller decides what to tell
// the user.
func (d *MailDispatcher) Enqueue(email mailer.VerificationEmail) error {
	// A read lock is enough: many requests may enqueue at once, and only
	// Stop takes the write lock to close the queue.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherStopped
	}

	// `select` with a `default` case makes the send non-blocking.
	select {
	case d.queue <- email:
		return nil
	default:
		MailDeliveries.WithLabelValues(ResultDropped).Inc()
		d.logger.Warn("mail queue full, dropping verification email", "to", email.To)
		return ErrQueueFull
	}
}

// Stop stops accepting new mail and waits for queued mail to be delivered.
// If ctx ends first, in-flight sends are cancelled and Stop returns
// ctx.Err() once the workers have exited.
func (d *MailDispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		// Start may never have run; make sure the results side still unwinds.
		d.Start()

		done := make(chan struct{})
		go func() {
			d.reporterWg.Wait()
			close(done)
		}()

		// Wait for the drain, or give up when the caller's deadline passes.
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			d.cancel()
			<-done
		}
		d.cancel()
		d.logger.Info("mail dispatcher stopped")
	})
	return err
}

func (d *MailDispatcher) worker(id int) {
	defer d.workersWg.Done()
	// `range` over the queue ends once Stop closes it and it is empty.
	for email := range d.queue {
		err := d.mailer.SendVerification(d.ctx, email)
		d.results <- deliveryResult{Email: email, Err: err}
	}
	d.logger.Debug("mail worker exiting", "worker", id)
}

func (d *MailDispatcher) reporter() {
	defer d.reporterWg.Done()
	// The reporter is the only reader of `results`; it ends when the channel is
	// closed after the last worker exits.
	for res := range d.results {
		if res.Err != nil {
			MailDeliveries.WithLabelValues(ResultFailed).Inc()
			d.logger.Error("verification email failed",
				"to", res.Email.To,
				"error", res.Err,
			)
			continue
		}
		MailDeliveries.WithLabelValues(ResultSent).Inc()
		d.logger.Info("verification email sent", "to", res.Email.To)
	}
}

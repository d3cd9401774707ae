package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ykvlv/medication-reminder/internal/domain"
	"github.com/ykvlv/medication-reminder/internal/notify"
)

// DefaultSpec fires at second 0 of every minute.
const DefaultSpec = "* * * * *"

// Options tunes a Scheduler. Zero values pick the defaults noted per field.
type Options struct {
	Location        *time.Location   // reference clock, default time.Local
	Spec            string           // cron spec, default DefaultSpec
	Retention       time.Duration    // history retention, default 48h
	Workers         int              // parallel sends per tick, default 4
	DispatchTimeout time.Duration    // per send, default 10s
	StopGrace       time.Duration    // wait for a running tick on shutdown, default 5s
	Now             func() time.Time // default time.Now
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Spec == "" {
		o.Spec = DefaultSpec
	}
	if o.Retention <= 0 {
		o.Retention = 48 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 10 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// TickReport summarises one evaluation-and-dispatch pass.
type TickReport struct {
	At           time.Time        `json:"at"`
	Clock        domain.ClockTime `json:"clock"`
	Due          int              `json:"due"`
	Dispatched   int              `json:"dispatched"`
	Delivered    int              `json:"delivered"`
	InvalidToken int              `json:"invalidToken"`
	Failed       int              `json:"failed"`
	NoAddress    int              `json:"noAddress"`
	Duplicate    int              `json:"duplicate"`
	Overlapped   bool             `json:"overlapped,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Scheduler periodically evaluates schedules and dispatches due reminders.
type Scheduler struct {
	eval     *Evaluator
	notifier notify.Notifier
	history  *History
	log      *zap.Logger
	opts     Options

	running sync.Mutex // held for the duration of a tick

	mu   sync.Mutex
	last TickReport
}

// New creates a Scheduler with its own empty dispatch history.
func New(store Store, notifier notify.Notifier, log *zap.Logger, opts Options) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		eval:     NewEvaluator(store, log),
		notifier: notifier,
		history:  NewHistory(),
		log:      log,
		opts:     opts.withDefaults(),
	}
}

// History exposes the dispatch history.
func (s *Scheduler) History() *History { return s.history }

// LastReport returns the report of the most recent tick.
func (s *Scheduler) LastReport() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run triggers Tick on the cron spec until ctx is canceled.
// A tick still running when the next one is due makes the next one skip.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := ValidateSpec(s.opts.Spec); err != nil {
		return err
	}

	cl := cron.PrintfLogger(zap.NewStdLog(s.log.Named("cron")))
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(s.opts.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.opts.Spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("tick spec %q: %w", s.opts.Spec, err)
	}

	c.Start()
	s.log.Info("scheduler started",
		zap.String("spec", s.opts.Spec),
		zap.String("tz", s.opts.Location.String()),
		zap.Int("workers", s.opts.Workers),
	)

	<-ctx.Done()
	s.log.Info("scheduler stopping")

	select {
	case <-c.Stop().Done():
	case <-time.After(s.opts.StopGrace):
		s.log.Warn("scheduler stop grace exceeded, abandoning in-flight tick")
	}
	return nil
}

// Tick performs one pass: evaluate, deduplicate, dispatch, record.
// It returns immediately without work if another tick is in progress.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	if !s.running.TryLock() {
		s.log.Warn("previous tick still running, skipping")
		return TickReport{At: s.opts.Now(), Overlapped: true}
	}
	defer s.running.Unlock()

	now := s.opts.Now().In(s.opts.Location)
	rep := TickReport{At: now, Clock: domain.ClockOf(now)}
	defer func() { s.setLast(rep) }()

	if n := s.history.Purge(now.Add(-s.opts.Retention)); n > 0 {
		s.log.Debug("purged dispatch history", zap.Int("records", n))
	}

	due, err := s.eval.FindDue(ctx, rep.Clock)
	if err != nil {
		s.log.Error("find due entries failed, skipping tick",
			zap.String("clock", rep.Clock.String()),
			zap.Error(err),
		)
		rep.Error = err.Error()
		return rep
	}
	rep.Due = len(due)

	batch := make([]dispatchJob, 0, len(due))
	for _, r := range due {
		addr, ok := r.User.PushAddress()
		if !ok {
			s.log.Warn("user has no push address, skipping",
				zap.String("userID", r.User.ID),
				zap.String("medicationID", r.Medication.ID),
			)
			rep.NoAddress++
			continue
		}
		if !s.notifier.ValidAddress(addr) {
			s.log.Warn("user push address is invalid, skipping",
				zap.String("userID", r.User.ID),
				zap.String("medicationID", r.Medication.ID),
				zap.String("address", addr),
			)
			rep.NoAddress++
			continue
		}
		// Recorded before sending: a failed attempt is not retried in this window.
		if !s.history.Claim(domain.KeyFor(r.Entry, now), now) {
			s.log.Debug("already dispatched",
				zap.String("entryID", r.Entry.ID),
				zap.String("clock", rep.Clock.String()),
			)
			rep.Duplicate++
			continue
		}
		batch = append(batch, dispatchJob{reminder: r, addr: addr})
	}

	rep.Dispatched = len(batch)
	for _, o := range s.dispatch(ctx, batch) {
		switch o {
		case notify.OutcomeDelivered:
			rep.Delivered++
		case notify.OutcomeInvalidToken:
			rep.InvalidToken++
		default:
			rep.Failed++
		}
	}

	if rep.Due > 0 {
		s.log.Info("tick done",
			zap.String("clock", rep.Clock.String()),
			zap.Int("due", rep.Due),
			zap.Int("dispatched", rep.Dispatched),
			zap.Int("delivered", rep.Delivered),
			zap.Int("failed", rep.Failed+rep.InvalidToken),
		)
	}
	return rep
}

type dispatchJob struct {
	reminder domain.Reminder
	addr     string
}

// dispatch sends all jobs concurrently (bounded by Workers) and waits for every one.
func (s *Scheduler) dispatch(ctx context.Context, jobs []dispatchJob) []notify.Outcome {
	outcomes := make([]notify.Outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = s.send(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Scheduler) send(ctx context.Context, j dispatchJob) notify.Outcome {
	r := j.reminder
	msg := notify.Message{
		To:    j.addr,
		Title: domain.ReminderTitle,
		Body:  r.Body(),
		Data:  r.Payload(),
		Sound: r.User.SoundName(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()
	ticket, err := s.notifier.Send(sendCtx, msg)

	fields := []zap.Field{
		zap.String("entryID", r.Entry.ID),
		zap.String("medicationID", r.Medication.ID),
		zap.String("userID", r.User.ID),
		zap.String("scheduleTime", r.Entry.TimeOfDay.String()),
	}
	outcome := notify.OutcomeOf(err)
	switch outcome {
	case notify.OutcomeDelivered:
		s.log.Info("reminder sent", append(fields, zap.String("ticket", ticket.ID))...)
	case notify.OutcomeInvalidToken:
		s.log.Warn("push token rejected, address is likely stale", append(fields, zap.Stringer("outcome", outcome), zap.Error(err))...)
	default:
		s.log.Error("reminder send failed", append(fields, zap.Stringer("outcome", outcome), zap.Error(err))...)
	}
	return outcome
}

func (s *Scheduler) setLast(rep TickReport) {
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
}

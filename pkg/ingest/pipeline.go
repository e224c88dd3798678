// Package ingest turns MQTT payloads from field stations into stored
// records: routing by topic, building typed records, suppressing
// duplicates, merging system sub-reports and mirroring pest counts.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

// Topics names the six subscribed topics.
type Topics struct {
	Environmental string
	System        string
	Detection     string
	CPU           string
	RAM           string
	Storage       string
}

// DefaultTopics are the topic names the deployed stations publish on.
func DefaultTopics() Topics {
	return Topics{
		Environmental: "alat/data",
		System:        "alat/data/system",
		Detection:     "alat/data/detection",
		CPU:           "alat/data/cpu",
		RAM:           "alat/data/ram",
		Storage:       "alat/data/storage",
	}
}

// All returns the topics in subscription order.
func (t Topics) All() []string {
	return []string{t.Environmental, t.System, t.Detection, t.CPU, t.RAM, t.Storage}
}

// Options configures a Pipeline. Zero durations take the defaults.
type Options struct {
	Topics      Topics
	DedupWindow time.Duration
	MergeWindow time.Duration
	// Now stamps records; defaults to time.Now in UTC.
	Now func() time.Time
}

// Pipeline owns the per-topic handlers and the components they share.
type Pipeline struct {
	store  store.Store
	guard  *Guard
	merger *Merger
	sync   *Synchronizer
	router *Router
	now    func() time.Time
	log    *slog.Logger
}

func NewPipeline(st store.Store, opts Options, log *slog.Logger) *Pipeline {
	if opts.Topics == (Topics{}) {
		opts.Topics = DefaultTopics()
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.MergeWindow == 0 {
		opts.MergeWindow = DefaultMergeWindow
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	log = log.With("component", "ingest")

	guard := NewGuard(st, opts.DedupWindow, log)
	p := &Pipeline{
		store:  st,
		guard:  guard,
		merger: NewMerger(st, guard, opts.MergeWindow, opts.Now, log),
		sync:   NewSynchronizer(st, opts.Now, log),
		router: NewRouter(log),
		now:    opts.Now,
		log:    log,
	}

	t := opts.Topics
	p.router.Handle(t.Environmental, "environmental", p.HandleEnvironmental)
	p.router.Handle(t.System, "system", p.HandleSystem)
	p.router.Handle(t.Detection, "detection", p.HandleDetection)
	p.router.Handle(t.CPU, "cpu", subReportHandler[models.CPUReport](p))
	p.router.Handle(t.RAM, "ram", subReportHandler[models.RAMReport](p))
	p.router.Handle(t.Storage, "storage", subReportHandler[models.StorageReport](p))
	return p
}

// Route dispatches one message; see Router.Route.
func (p *Pipeline) Route(ctx context.Context, topic string, payload []byte) {
	p.router.Route(ctx, topic, payload)
}

// Process adapts Route to the queue's worker signature.
func (p *Pipeline) Process(ctx context.Context, msg Message) {
	p.Route(ctx, msg.Topic, msg.Payload)
}

// Synchronizer exposes the pest-count synchronizer for maintenance commands.
func (p *Pipeline) Synchronizer() *Synchronizer { return p.sync }

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// HandleEnvironmental stores the reading through the duplicate guard, then
// the split-out battery record if any. Both records are validated before
// either is written, so an invalid message writes nothing.
func (p *Pipeline) HandleEnvironmental(ctx context.Context, payload []byte) error {
	in, err := models.Decode[models.EnvironmentalPayload](payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	reading, battery := BuildEnvironmental(in, p.now())
	if err := reading.Validate(); err != nil {
		return err
	}
	if battery != nil {
		if err := battery.Validate(); err != nil {
			return err
		}
	}

	stored, err := p.guard.InsertEnvironmental(ctx, &reading)
	if err != nil {
		return fmt.Errorf("store environmental: %w", err)
	}
	if stored {
		p.log.Info("environmental reading stored",
			"id", reading.ID,
			"pest_count", reading.PestCount,
			"has_location", reading.HasLocation(),
		)
	}

	if battery != nil {
		if _, err := p.guard.InsertSystem(ctx, battery); err != nil {
			return fmt.Errorf("store battery level: %w", err)
		}
	}
	return nil
}

// HandleSystem stores a complete system report through the duplicate guard.
func (p *Pipeline) HandleSystem(ctx context.Context, payload []byte) error {
	in, err := models.Decode[models.SystemPayload](payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	m := BuildSystem(in, p.now())
	if err := m.Validate(); err != nil {
		return err
	}
	stored, err := p.guard.InsertSystem(ctx, &m)
	if err != nil {
		return fmt.Errorf("store system: %w", err)
	}
	if stored {
		p.log.Info("system metrics stored", "id", m.ID)
	}
	return nil
}

// HandleDetection always inserts the event, then mirrors its count onto the
// latest environmental reading. A sync failure is reported but the event
// stays stored.
func (p *Pipeline) HandleDetection(ctx context.Context, payload []byte) error {
	in, err := models.Decode[models.DetectionPayload](payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	d := BuildDetection(in, p.now())
	if err := d.Validate(); err != nil {
		return err
	}
	if err := p.store.InsertDetection(ctx, &d); err != nil {
		return fmt.Errorf("store detection: %w", err)
	}
	recordsStored.WithLabelValues(string(models.KindDetection)).Inc()
	p.log.Info("detection stored", "id", d.ID, "total_detections", d.TotalDetections)

	if _, err := p.sync.Sync(ctx, d.TotalDetections); err != nil {
		return fmt.Errorf("sync pest count: %w", err)
	}
	return nil
}

// HandleSubReport merges a single-category system report.
func (p *Pipeline) HandleSubReport(ctx context.Context, r models.SubReport) error {
	outcome, err := p.merger.Merge(ctx, r)
	if err != nil {
		return err
	}
	p.log.Debug("sub-report handled", "category", r.Category(), "outcome", string(outcome))
	return nil
}

func subReportHandler[T models.SubReport](p *Pipeline) HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		r, err := models.Decode[T](payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return p.HandleSubReport(ctx, r)
	}
}

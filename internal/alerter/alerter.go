// Package alerter batches slice failures and sends one consolidated
// notification per check interval.
package alerter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Alerter collects failures reported by the processor and periodically
// mails a summary.
type Alerter struct {
	notifier      model.Notifier
	checkInterval time.Duration
	log           *slog.Logger

	mu      sync.Mutex
	pending []model.Failure

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ model.FailureReporter = (*Alerter)(nil)

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, notifier model.Notifier) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("check_interval must be positive")
	}
	return &Alerter{
		notifier:      notifier,
		checkInterval: interval,
		log:           logging.Component("alerter"),
		stopChan:      make(chan struct{}),
	}, nil
}

// ReportFailure queues a failure for the next summary.
func (a *Alerter) ReportFailure(f model.Failure) {
	a.mu.Lock()
	a.pending = append(a.pending, f)
	a.mu.Unlock()
}

// Pending returns the number of queued failures.
func (a *Alerter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Start launches the periodic flush loop.
func (a *Alerter) Start() {
	a.log.Info("alerter started", "interval", a.checkInterval)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop ends the loop and sends whatever is still queued.
func (a *Alerter) Stop() {
	a.stopOnce.Do(func() {
		a.log.Info("stopping alerter")
		close(a.stopChan)
		a.wg.Wait()
		a.Flush()
	})
}

// Flush sends one notification for all queued failures. Failures are
// dropped once handed to the notifier, whether or not sending succeeds.
func (a *Alerter) Flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 || a.notifier == nil {
		return
	}

	subject := fmt.Sprintf("MAIP pipeline failures (%d)", len(batch))
	body := string(markdown.ToHTML([]byte(Render(batch)), nil, nil))
	if err := a.notifier.Send(subject, body); err != nil {
		a.log.Error("failed to send failure notification", "failures", len(batch), "error", err)
		return
	}
	a.log.Info("failure notification sent", "failures", len(batch))
}

// Render formats failures as a markdown report grouped by session.
func Render(failures []model.Failure) string {
	bySession := make(map[string][]model.Failure)
	var sessions []string
	for _, f := range failures {
		if _, ok := bySession[f.SessionID]; !ok {
			sessions = append(sessions, f.SessionID)
		}
		bySession[f.SessionID] = append(bySession[f.SessionID], f)
	}
	sort.Strings(sessions)

	var b strings.Builder
	b.WriteString("# Pipeline failure summary\n\n")
	fmt.Fprintf(&b, "%d slice(s) failed since the last check.\n", len(failures))
	for _, sid := range sessions {
		fmt.Fprintf(&b, "\n## Session %s\n\n", sid)
		b.WriteString("| Time | Slice | Kind | Prediction | Reason |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, f := range bySession[sid] {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				f.At.UTC().Format(time.RFC3339), cell(f.Slice), f.Kind, cell(f.PredictionID), cell(f.Reason))
		}
	}
	return b.String()
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

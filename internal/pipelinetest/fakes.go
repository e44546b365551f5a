// Package pipelinetest provides in-memory collaborators for exercising the
// slice pipeline in tests.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Montimage/maip-sub000/internal/model"
)

// Lister is a slicestore.Lister over a mutable file list.
type Lister struct {
	mu    sync.Mutex
	files []model.SliceFile
}

// SetFiles replaces the listed files.
func (l *Lister) SetFiles(files ...model.SliceFile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = append([]model.SliceFile(nil), files...)
}

// ListFiles implements slicestore.Lister.
func (l *Lister) ListFiles(ctx context.Context, sessionDir string) ([]model.SliceFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.SliceFile(nil), l.files...), nil
}

// Slice returns a slice file old enough to be eligible.
func Slice(path string) model.SliceFile {
	age := int64(60_000)
	return model.SliceFile{Path: path, AgeMs: &age}
}

// Analyzer records submissions and adds each slice's configured outputs to
// its report bucket.
type Analyzer struct {
	mu sync.Mutex

	// Outputs maps a slice path to the CSV files its analysis produces.
	Outputs map[string][]string

	Submitted []string
	ReportErr error
	reports   map[string][]string

	// AnalyzeErrors fails that many Analyze calls before succeeding.
	AnalyzeErrors int
}

// Analyze implements model.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, filePath, outputSessionID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reports == nil {
		a.reports = make(map[string][]string)
	}
	if a.AnalyzeErrors > 0 {
		a.AnalyzeErrors--
		return "", errors.New("connection reset by peer")
	}
	a.Submitted = append(a.Submitted, filePath)
	a.reports[outputSessionID] = append(a.reports[outputSessionID], a.Outputs[filePath]...)
	return outputSessionID, nil
}

// Reports implements model.Analyzer.
func (a *Analyzer) Reports(ctx context.Context, reportID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ReportErr != nil {
		return nil, a.ReportErr
	}
	files := append([]string(nil), a.reports[reportID]...)
	sort.Strings(files)
	return files, nil
}

// SubmittedSlices returns the analyzed slice paths in submission order.
func (a *Analyzer) SubmittedSlices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Submitted...)
}

type job struct {
	csv   string
	polls int
}

// Predictor completes jobs after PendingPolls status polls.
type Predictor struct {
	mu sync.Mutex

	// Results maps a CSV file to the result of its prediction.
	Results map[string]model.PredictionResult

	// Failures maps a CSV file to the failure reason of its prediction.
	Failures map[string]string

	// Stuck CSV files never leave Running.
	Stuck map[string]bool

	PendingPolls int

	// SubmitErrors and FetchErrors fail that many calls before succeeding.
	SubmitErrors int
	FetchErrors  int

	jobs      map[string]*job
	submitted []string
}

// Submit implements model.Predictor.
func (p *Predictor) Submit(ctx context.Context, modelID, reportID, csvFile string) (model.PredictionJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SubmitErrors > 0 {
		p.SubmitErrors--
		return model.PredictionJob{}, errors.New("connection reset by peer")
	}
	if p.jobs == nil {
		p.jobs = make(map[string]*job)
	}
	p.submitted = append(p.submitted, csvFile)
	jobID := fmt.Sprintf("job-%d", len(p.submitted))
	p.jobs[jobID] = &job{csv: csvFile}
	return model.PredictionJob{
		JobID:        jobID,
		PredictionID: p.predictionID(csvFile),
		ModelID:      modelID,
		ReportID:     reportID,
		CSVFile:      csvFile,
		Status:       model.JobQueued,
	}, nil
}

// Status implements model.Predictor.
func (p *Predictor) Status(ctx context.Context, pj model.PredictionJob) (model.JobStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[pj.JobID]
	if !ok {
		return model.JobStatusReport{}, fmt.Errorf("unknown job %s", pj.JobID)
	}
	j.polls++
	if p.Stuck[j.csv] || j.polls <= p.PendingPolls {
		return model.JobStatusReport{Status: model.JobRunning, PredictionID: pj.PredictionID}, nil
	}
	if reason, failed := p.Failures[j.csv]; failed {
		return model.JobStatusReport{Status: model.JobFailed, PredictionID: pj.PredictionID, FailedReason: reason}, nil
	}
	return model.JobStatusReport{Status: model.JobCompleted, PredictionID: pj.PredictionID, Progress: 100}, nil
}

// FetchResult implements model.Predictor.
func (p *Predictor) FetchResult(ctx context.Context, predictionID string) (model.PredictionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FetchErrors > 0 {
		p.FetchErrors--
		return model.PredictionResult{}, errors.New("connection reset by peer")
	}
	for csv, res := range p.Results {
		if p.predictionID(csv) == predictionID {
			return res, nil
		}
	}
	return model.PredictionResult{}, fmt.Errorf("prediction %s: %w", predictionID, model.ErrNotFound)
}

// SubmittedCSVs returns the predicted CSV files in submission order.
func (p *Predictor) SubmittedCSVs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

func (p *Predictor) predictionID(csv string) string {
	if res, ok := p.Results[csv]; ok && res.PredictionID != "" {
		return res.PredictionID
	}
	return "pred-" + csv
}

// Result builds a prediction result with the given counts and one malicious
// row per label.
func Result(predictionID string, normal, malicious int64, labels ...string) model.PredictionResult {
	res := model.PredictionResult{
		PredictionID:   predictionID,
		NormalCount:    normal,
		MaliciousCount: malicious,
		TotalCount:     normal + malicious,
		RawStats:       fmt.Sprintf("normal,malicious,total\n%d,%d,%d", normal, malicious, normal+malicious),
	}
	for i, label := range labels {
		res.MaliciousRows = append(res.MaliciousRows, model.FlowRecord{
			PredictionID: predictionID,
			RowUID:       fmt.Sprintf("%s-%d", predictionID, i+1),
			Columns:      []string{"label"},
			Fields:       map[string]string{"label": label},
		})
		res.RawRows += label + "\n"
	}
	return res
}

// Failures collects reported slice failures.
type Failures struct {
	mu  sync.Mutex
	got []model.Failure
}

// ReportFailure implements model.FailureReporter.
func (f *Failures) ReportFailure(failure model.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, failure)
}

// All returns the collected failures.
func (f *Failures) All() []model.Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Failure(nil), f.got...)
}

// Events collects published events.
type Events struct {
	mu  sync.Mutex
	got []model.Event
}

// Publish implements model.EventPublisher.
func (e *Events) Publish(ev model.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

// Kinds returns the kinds of the collected events in order.
func (e *Events) Kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.got))
	for i, ev := range e.got {
		out[i] = ev.Kind
	}
	return out
}

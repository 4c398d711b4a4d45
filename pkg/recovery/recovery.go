// Package recovery reconciles failed artifacts whose remote provider request
// may have since completed. It runs before planning: completed requests are
// downloaded and appended as succeeded events, in-flight ones are left for a
// later pass, anything else is recorded as permanently failed.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelworks/reel/pkg/ids"
	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/storage"
)

// ProbeState is the remote status of a provider request.
type ProbeState string

const (
	StateInProgress ProbeState = "in_progress"
	StateInQueue    ProbeState = "in_queue"
	StateCompleted  ProbeState = "completed"
	StateFailed     ProbeState = "failed"
)

// ProbeResult is a provider's answer for one request id.
type ProbeResult struct {
	State ProbeState
	URLs  []string
}

// StatusProber checks the remote status of a failed artifact's provider
// request. Implementations are provider-specific.
type StatusProber interface {
	Probe(ctx context.Context, provider, model, requestID string) (*ProbeResult, error)
}

// Downloader fetches completed output bytes.
type Downloader interface {
	Download(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// HTTPDownloader fetches over plain HTTP.
type HTTPDownloader struct {
	Client *http.Client
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, mimeForResponse(resp, url), nil
}

func mimeForResponse(resp *http.Response, url string) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			return parsed
		}
	}
	if ext := path.Ext(strings.SplitN(url, "?", 2)[0]); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
				return parsed
			}
		}
	}
	return "application/octet-stream"
}

// Report summarises one recovery pass.
type Report struct {
	PendingArtifactIDs   []string
	RecoveredArtifactIDs []string
	FailedArtifactIDs    []string
	Reasons              map[string]string
}

// Recoverer runs the pre-plan recovery pass for a movie.
type Recoverer struct {
	storage    storage.Storage
	prober     StatusProber
	downloader Downloader
	logger     *slog.Logger
	clock      func() time.Time

	// ProbeConcurrency bounds parallel status probes. Default 4.
	ProbeConcurrency int
}

// NewRecoverer creates a recovery pass over the given storage and prober.
// downloader defaults to plain HTTP.
func NewRecoverer(s storage.Storage, prober StatusProber, downloader Downloader) *Recoverer {
	if downloader == nil {
		downloader = &HTTPDownloader{}
	}
	return &Recoverer{
		storage:          s,
		prober:           prober,
		downloader:       downloader,
		logger:           slog.Default(),
		clock:            time.Now,
		ProbeConcurrency: 4,
	}
}

// WithClock overrides the recoverer's clock, for tests.
func (r *Recoverer) WithClock(clock func() time.Time) *Recoverer {
	r.clock = clock
	return r
}

// candidate is a failed artifact worth probing.
type candidate struct {
	event *models.ArtefactEvent
}

// Run scans the event log for recoverable failures and reconciles each one.
// The pass is non-blocking for planning: errors on individual artifacts are
// recorded in the report, not returned.
func (r *Recoverer) Run(ctx context.Context, movieID string) (*Report, error) {
	log := storage.NewEventLog(r.storage, movieID)

	// Latest event per artifact id decides recoverability.
	latest := make(map[string]*models.ArtefactEvent)
	for ev, err := range log.StreamArtefacts(ctx) {
		if err != nil {
			return nil, fmt.Errorf("scan artefact events: %w", err)
		}
		latest[ev.ArtefactID] = ev
	}

	var candidates []candidate
	for _, ev := range latest {
		d := ev.Diagnostics
		if ev.Status == models.ArtefactFailed && d != nil && d.Recoverable && d.ProviderRequestID != "" {
			candidates = append(candidates, candidate{event: ev})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].event.ArtefactID < candidates[j].event.ArtefactID
	})

	report := &Report{Reasons: make(map[string]string)}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.ProbeConcurrency)
	for _, c := range candidates {
		group.Go(func() error {
			r.reconcile(groupCtx, log, movieID, c.event, report, &mu)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	r.logger.Info("Recovery pass finished",
		"movie_id", movieID,
		"candidates", len(candidates),
		"recovered", len(report.RecoveredArtifactIDs),
		"pending", len(report.PendingArtifactIDs),
		"failed", len(report.FailedArtifactIDs))
	return report, nil
}

func (r *Recoverer) reconcile(ctx context.Context, log *storage.EventLog, movieID string, ev *models.ArtefactEvent, report *Report, mu *sync.Mutex) {
	d := ev.Diagnostics
	logger := r.logger.With("artefact_id", ev.ArtefactID, "provider", d.Provider, "request_id", d.ProviderRequestID)

	probe, err := r.prober.Probe(ctx, d.Provider, d.Model, d.ProviderRequestID)
	if err != nil {
		mu.Lock()
		report.FailedArtifactIDs = append(report.FailedArtifactIDs, ev.ArtefactID)
		report.Reasons[ev.ArtefactID] = "probe failed: " + err.Error()
		mu.Unlock()
		logger.Warn("Status probe failed", "error", err)
		return
	}

	switch probe.State {
	case StateInProgress, StateInQueue:
		mu.Lock()
		report.PendingArtifactIDs = append(report.PendingArtifactIDs, ev.ArtefactID)
		mu.Unlock()
		logger.Info("Provider request still in flight", "state", probe.State)

	case StateCompleted:
		if err := r.recover(ctx, log, movieID, ev, probe); err != nil {
			mu.Lock()
			report.FailedArtifactIDs = append(report.FailedArtifactIDs, ev.ArtefactID)
			report.Reasons[ev.ArtefactID] = err.Error()
			mu.Unlock()
			logger.Warn("Recovery download failed", "error", err)
			return
		}
		mu.Lock()
		report.RecoveredArtifactIDs = append(report.RecoveredArtifactIDs, ev.ArtefactID)
		mu.Unlock()
		logger.Info("Artifact recovered from completed provider request")

	default:
		mu.Lock()
		report.FailedArtifactIDs = append(report.FailedArtifactIDs, ev.ArtefactID)
		report.Reasons[ev.ArtefactID] = fmt.Sprintf("provider state %q", probe.State)
		mu.Unlock()
		logger.Info("Provider request not recoverable", "state", probe.State)
	}
}

// recover downloads the completed output and appends a succeeded event that
// preserves the original revision, inputs hash and producing job.
func (r *Recoverer) recover(ctx context.Context, log *storage.EventLog, movieID string, ev *models.ArtefactEvent, probe *ProbeResult) error {
	if len(probe.URLs) == 0 {
		return fmt.Errorf("completed request returned no output urls")
	}
	url := probe.URLs[0]
	if len(probe.URLs) > 1 {
		// Multi-output requests are disambiguated by the artifact's last
		// dimension index.
		if idx := lastIndex(ev.ArtefactID); idx >= 0 && idx < len(probe.URLs) {
			url = probe.URLs[idx]
		}
	}

	data, mimeType, err := r.downloader.Download(ctx, url)
	if err != nil {
		return err
	}
	blob, err := storage.WriteBlob(ctx, r.storage, movieID, data, mimeType)
	if err != nil {
		return err
	}

	now := r.clock().UTC()
	diags := *ev.Diagnostics
	diags.Recoverable = false
	diags.RecoveredBy = diags.ProviderRequestID
	diags.RecoveredAt = &now
	diags.Kind = "recovered"
	diags.Message = ""

	return log.AppendArtefact(ctx, &models.ArtefactEvent{
		ArtefactID:  ev.ArtefactID,
		Revision:    ev.Revision,
		InputsHash:  ev.InputsHash,
		Output:      &models.ArtefactOutput{Blob: &blob},
		Status:      models.ArtefactSucceeded,
		ProducedBy:  ev.ProducedBy,
		Diagnostics: &diags,
	})
}

// lastIndex returns the trailing dimension index of a canonical id, or -1.
func lastIndex(id string) int {
	parsed, err := ids.Parse(id)
	if err != nil || len(parsed.Indices) == 0 {
		return -1
	}
	return parsed.Indices[len(parsed.Indices)-1]
}

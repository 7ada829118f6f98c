// Package reporter drives the periodic usage cycle on a gateway: read
// the OpenVPN status log, fold in compression savings, post the batch
// to the authority and kill the tunnels it wants gone.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/psiphi75/SwirlVPN/internal/gateway/statuslog"
	"github.com/psiphi75/SwirlVPN/internal/model"
)

type statsPoster interface {
	ReportStats(ctx context.Context, report model.UsageReport) (model.EvictionList, error)
}

type tunnelKiller interface {
	Kill(commonName string) error
}

type savingsSource interface {
	SavedFor(ip string) int64
	Remove(ip string)
	Prune(connected map[string]struct{})
}

type Reporter struct {
	interval      time.Duration
	hostname      string
	statusLogPath string
	authority     statsPoster
	killer        tunnelKiller
	savings       savingsSource
	logger        *slog.Logger

	bufMu     sync.Mutex
	buffer    []model.UsageReport
	maxBuffer int

	// Last snapshot's tunnel IP per user, so an eviction can clear the
	// right savings counter.
	ipMu     sync.Mutex
	ipByUser map[string]string

	parseStatus func(path string) ([]statuslog.Entry, error)
}

func New(
	interval time.Duration,
	hostname, statusLogPath string,
	authority statsPoster,
	killer tunnelKiller,
	savings savingsSource,
	logger *slog.Logger,
) *Reporter {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		interval:      interval,
		hostname:      hostname,
		statusLogPath: statusLogPath,
		authority:     authority,
		killer:        killer,
		savings:       savings,
		logger:        logger,
		maxBuffer:     30,
		ipByUser:      make(map[string]string),
		parseStatus:   statuslog.ParseFile,
	}
}

func (r *Reporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reporter) cycle(ctx context.Context) {
	entries, err := r.parseStatus(r.statusLogPath)
	if err != nil {
		r.logger.Warn("read status log", slog.String("path", r.statusLogPath), slog.Any("err", err))
		// The authority may still be owed buffered batches.
		r.flush(ctx)
		return
	}

	report := r.buildReport(entries)
	if len(report.Sessions) > 0 {
		r.enqueue(report)
	}
	r.flush(ctx)
}

// buildReport joins the status snapshot with per-IP savings and prunes
// savings entries for tunnels that are gone.
func (r *Reporter) buildReport(entries []statuslog.Entry) model.UsageReport {
	report := model.UsageReport{ServerHostname: r.hostname}
	connected := make(map[string]struct{}, len(entries))
	byUser := make(map[string]string, len(entries))

	for _, entry := range entries {
		connected[entry.AssignedIP] = struct{}{}
		byUser[entry.UserID.String()] = entry.AssignedIP
		report.Sessions = append(report.Sessions, model.SessionStat{
			UserID:             entry.UserID,
			DateConnectedUnix:  entry.DateConnectedUnix,
			AssignedIP:         entry.AssignedIP,
			ClientIP:           entry.ClientIP,
			BytesToClient:      entry.BytesToClient,
			BytesFromClient:    entry.BytesFromClient,
			BytesToClientSaved: r.savings.SavedFor(entry.AssignedIP),
		})
	}

	r.ipMu.Lock()
	r.ipByUser = byUser
	r.ipMu.Unlock()

	r.savings.Prune(connected)
	return report
}

func (r *Reporter) enqueue(report model.UsageReport) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	r.buffer = append(r.buffer, report)
	if len(r.buffer) > r.maxBuffer {
		r.buffer = r.buffer[len(r.buffer)-r.maxBuffer:]
	}
}

// flush sends buffered reports oldest first so the freshest absolute
// counters land last and win at the authority. A send failure keeps
// the remainder for the next cycle.
func (r *Reporter) flush(ctx context.Context) {
	for {
		report, ok := r.dequeue()
		if !ok {
			return
		}

		evictions, err := r.authority.ReportStats(ctx, report)
		if err != nil {
			r.logger.Warn("post usage batch",
				slog.Int("sessions", len(report.Sessions)),
				slog.Any("err", err))
			r.requeueFront(report)
			return
		}
		r.applyEvictions(evictions)
	}
}

func (r *Reporter) dequeue() (model.UsageReport, bool) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	if len(r.buffer) == 0 {
		return model.UsageReport{}, false
	}
	report := r.buffer[0]
	r.buffer = r.buffer[1:]
	return report, true
}

func (r *Reporter) requeueFront(report model.UsageReport) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	r.buffer = append([]model.UsageReport{report}, r.buffer...)
}

func (r *Reporter) applyEvictions(evictions model.EvictionList) {
	for _, userID := range evictions.Evict {
		r.logger.Info("evicting user", slog.String("user_id", userID.String()))
		if err := r.killer.Kill(userID.String()); err != nil {
			// The next stats cycle will list the user again and the
			// authority will re-request the eviction.
			r.logger.Warn("kill tunnel", slog.String("user_id", userID.String()), slog.Any("err", err))
		}
		// Drop the dead tunnel's savings right away; its IP can be
		// reassigned before the next prune.
		r.ipMu.Lock()
		ip, ok := r.ipByUser[userID.String()]
		delete(r.ipByUser, userID.String())
		r.ipMu.Unlock()
		if ok {
			r.savings.Remove(ip)
		}
	}
}

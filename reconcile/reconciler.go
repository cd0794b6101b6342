package reconcile

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/pipeline"
	"github.com/opd-ai/courier/wire"
)

// Transfer describes one in-flight transfer in the OS background
// session, as reported after a process restart.
type Transfer struct {
	ID         string
	URL        string
	Method     string
	InfoHeader string
}

// Registry enumerates the background session's in-flight transfers. The
// platform layer implements it; this package only consumes it.
type Registry interface {
	Transfers(ctx context.Context) ([]Transfer, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	AdoptedUploads  int
	ActiveDownloads int
	Resent          int
	Dropped         int
}

// Reconciler matches surviving background transfers against persisted
// message state.
type Reconciler struct {
	registry      Registry
	engine        *pipeline.Engine
	events        *Events
	sendEndpoint  string
	fetchEndpoint string
}

// NewReconciler creates a reconciler. The endpoints are the upload and
// download URLs transfers are matched against.
func NewReconciler(registry Registry, engine *pipeline.Engine, events *Events, sendEndpoint, fetchEndpoint string) *Reconciler {
	return &Reconciler{
		registry:      registry,
		engine:        engine,
		events:        events,
		sendEndpoint:  sendEndpoint,
		fetchEndpoint: fetchEndpoint,
	}
}

// Reconcile enumerates surviving transfers, adopts uploads into the send
// pipeline's tail, shields active downloads from the sweep, then settles
// and re-enqueues every Sending message with no surviving transfer.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	var report Report

	transfers, err := r.registry.Transfers(ctx)
	if err != nil {
		return report, err
	}

	for _, tr := range transfers {
		switch {
		case tr.Method == http.MethodPost && tr.URL == r.sendEndpoint:
			if r.adoptUpload(tr) {
				report.AdoptedUploads++
			} else {
				report.Dropped++
			}
		case tr.Method == http.MethodGet && strings.HasPrefix(tr.URL, r.fetchEndpoint):
			if r.shieldDownload(tr) {
				report.ActiveDownloads++
			} else {
				report.Dropped++
			}
		default:
			logrus.WithFields(logrus.Fields{
				"function":    "Reconcile",
				"transfer_id": tr.ID,
				"url":         tr.URL,
			}).Warn("Ignoring unrecognized background transfer")
			report.Dropped++
		}
	}

	resent, err := r.engine.Sweep(ctx)
	if err != nil {
		return report, err
	}
	report.Resent = resent

	logrus.WithFields(logrus.Fields{
		"function":  "Reconcile",
		"uploads":   report.AdoptedUploads,
		"downloads": report.ActiveDownloads,
		"resent":    report.Resent,
		"dropped":   report.Dropped,
	}).Info("Background transfers reconciled")
	return report, nil
}

// adoptUpload recovers the logical message from the transfer's info
// header and resurrects the send pipeline's tail: a task waiting on the
// transfer's completion event.
func (r *Reconciler) adoptUpload(tr Transfer) bool {
	info, err := wire.ParseInfo(tr.InfoHeader)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "adoptUpload",
			"transfer_id": tr.ID,
			"error":       err.Error(),
		}).Warn("Dropping upload with unreadable info header")
		return false
	}
	done := r.events.Register(tr.ID)
	r.engine.ResumeUpload(info, done)
	return true
}

// shieldDownload recovers the message id from the download URL and marks
// it in-flight so the sweep does not start a competing fetch.
func (r *Reconciler) shieldDownload(tr Transfer) bool {
	target, err := url.Parse(tr.URL)
	if err != nil {
		return false
	}
	id, err := uuid.Parse(target.Query().Get("id"))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "shieldDownload",
			"transfer_id": tr.ID,
			"url":         tr.URL,
		}).Warn("Dropping download with no message id")
		return false
	}
	r.engine.MarkInflight(id)
	logrus.WithFields(logrus.Fields{
		"function":    "shieldDownload",
		"transfer_id": tr.ID,
		"id":          id.String(),
	}).Info("Shielding active download from sweep")
	return true
}

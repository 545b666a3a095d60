package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"llm_wallet/internal/models"
	"llm_wallet/internal/utils"
)

type usageReport struct {
	UserID   string                        `json:"user_id,omitempty"`
	From     time.Time                     `json:"from"`
	To       time.Time                     `json:"to"`
	Features []*models.FeatureUsageSummary `json:"features"`
}

// parseReportTime accepts RFC3339 timestamps or plain dates (midnight UTC)
func parseReportTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

// handleUsageReport aggregates usage per feature over [from, to). Without
// a range it covers the current calendar month.
func (d *Dependencies) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := d.now().UTC()

	filter := models.UsageReportFilter{
		UserID: q.Get("user_id"),
		From:   time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		To:     now,
	}

	var err error
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = parseReportTime(raw); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = parseReportTime(raw); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if !filter.From.Before(filter.To) {
		utils.RespondWithError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	summaries, err := d.Usage.Report(r.Context(), filter)
	if err != nil {
		d.logger.Error("Failed to build usage report", "user_id", filter.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if summaries == nil {
		summaries = []*models.FeatureUsageSummary{}
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, usageReport{
		UserID:   filter.UserID,
		From:     filter.From,
		To:       filter.To,
		Features: summaries,
	})
}

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
)

// Resource names on the REST surface.
const (
	ResourceSourceReports   = "source_reports"
	ResourceServiceRequests = "service_requests"
	ResourceFeatureStates   = "feature_states"
)

// decodeRows decodes a JSON array one row at a time, failing closed per
// record: a bad row is logged with its identifying fields and skipped,
// and the rest of the batch survives. A malformed outer document fails
// the whole call.
func decodeRows[T any](body []byte, resource string) ([]T, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("backend: decoding %s batch: %w", resource, err)
	}
	out := make([]T, 0, len(raw))
	for i, row := range raw {
		var decoded T
		if err := json.Unmarshal(row, &decoded); err != nil {
			logging.Warn("rejecting malformed row", map[string]interface{}{
				"resource": resource,
				"index":    i,
				"row":      truncate(string(row), 200),
				"error":    err.Error(),
			})
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ListSourceReports pulls the tenant's source reports.
func (c *Client) ListSourceReports(ctx context.Context) ([]models.SourceReport, error) {
	body, err := c.List(ctx, ResourceSourceReports, nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[models.SourceReport](body, ResourceSourceReports)
}

// ListServiceRequests pulls open management-issued requests.
func (c *Client) ListServiceRequests(ctx context.Context) ([]models.ServiceRequest, error) {
	q := url.Values{}
	q.Set("status", "neq."+string(models.RequestStatusResolved))
	body, err := c.List(ctx, ResourceServiceRequests, q)
	if err != nil {
		return nil, err
	}
	return decodeRows[models.ServiceRequest](body, ResourceServiceRequests)
}

// featureStateRow is the wire shape of server-computed feature state.
type featureStateRow struct {
	FeatureID  string    `json:"feature_id"`
	State      string    `json:"state"`
	ComputedAt time.Time `json:"computed_at"`
}

// ListFeatureStates pulls authoritative feature states for the overlay.
func (c *Client) ListFeatureStates(ctx context.Context) ([]models.OverlayRecord, error) {
	body, err := c.List(ctx, ResourceFeatureStates, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[featureStateRow](body, ResourceFeatureStates)
	if err != nil {
		return nil, err
	}
	out := make([]models.OverlayRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.OverlayRecord{
			FeatureID:          r.FeatureID,
			AuthoritativeState: r.State,
			AuthoritativeAt:    r.ComputedAt,
		})
	}
	return out, nil
}

// CreateReport POSTs a source report payload. The upsert preference
// makes a replayed create after a lost 201 harmless.
func (c *Client) CreateReport(ctx context.Context, payload []byte) error {
	return c.Insert(ctx, ResourceSourceReports, payload, true)
}

// UpdateReport PATCHes a source report by id.
func (c *Client) UpdateReport(ctx context.Context, id models.UUID, payload []byte) error {
	return c.Update(ctx, ResourceSourceReports, id, payload)
}

// DeleteReport removes a source report by id.
func (c *Client) DeleteReport(ctx context.Context, id models.UUID) error {
	return c.Delete(ctx, ResourceSourceReports, id)
}

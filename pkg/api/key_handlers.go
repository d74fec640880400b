package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// IssueKeyRequest names a new key
type IssueKeyRequest struct {
	Name string `json:"name,omitempty" validate:"max=100"`
}

// UnblockRequest controls whether unblocking also clears monthly usage
type UnblockRequest struct {
	ResetMonthly bool `json:"reset_monthly"`
}

// ResetUsageRequest selects the counters to zero
type ResetUsageRequest struct {
	Kind keys.UsageKind `json:"kind" validate:"required,oneof=daily monthly all"`
}

type resetUsageResponse struct {
	Kind keys.UsageKind `json:"kind"`
	Keys int64          `json:"keys"`
}

// entitlement returns the plan and status a new key of ownerID starts with
func (s *Server) entitlement(ctx context.Context, ownerID int64) (string, keys.Status, error) {
	sub, err := s.deps.Billing.GetSubscription(ctx, ownerID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return plans.FreePlanID, keys.StatusActive, nil
	}
	if err != nil {
		return "", "", err
	}
	switch sub.Status {
	case billing.SubscriptionStatusActive:
		return sub.PlanID, keys.StatusActive, nil
	case billing.SubscriptionStatusCanceled:
		return plans.FreePlanID, keys.StatusActive, nil
	}
	return sub.PlanID, keys.StatusSuspended, nil
}

func (s *Server) issueKey(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	var req IssueKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	planID, status, err := s.entitlement(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	issued, err := s.issuer.Issue(r.Context(), ownerID, planID, req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if status != keys.StatusActive {
		if err := s.deps.Keys.SetStatus(r.Context(), issued.Key.ID, status); err != nil {
			writeServiceError(w, r, err)
			return
		}
		issued.Key.Status = status
	}

	s.logger.WithFields(map[string]interface{}{
		"owner_id":   ownerID,
		"key_id":     issued.Key.ID,
		"key_prefix": issued.Key.KeyPrefix,
		"plan":       planID,
	}).Info("api key issued")
	_ = httputil.WriteCreated(w, issued)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "owner")
	if !ok {
		return
	}
	list, err := s.deps.Keys.ListByOwner(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*keys.APIKey{}
	}
	_ = httputil.WriteSuccess(w, list)
}

func (s *Server) unblockKey(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UnblockRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	key, err := s.admin.Unblock(r.Context(), id, req.ResetMonthly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.deps.Notifier.Notify(r.Context(), notify.NewEvent(notify.EventKeyUnblocked, key.OwnerID, key.ID, key.PlanID, ""))
	_ = httputil.WriteSuccess(w, key)
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	key, err := s.admin.Revoke(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.deps.Notifier.Notify(r.Context(), notify.NewEvent(notify.EventKeyRevoked, key.OwnerID, key.ID, key.PlanID, ""))
	_ = httputil.WriteSuccess(w, key)
}

func (s *Server) resetUsage(w http.ResponseWriter, r *http.Request) {
	var req ResetUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	n, err := s.deps.Usage.ResetAll(r.Context(), req.Kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, resetUsageResponse{Kind: req.Kind, Keys: n})
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	visible := make([]*plans.Plan, 0, len(all))
	for _, p := range all {
		if p.Active {
			visible = append(visible, p)
		}
	}
	_ = httputil.WriteSuccess(w, visible)
}

package sync

import (
	"go.uber.org/zap"

	"profilehub/services/orcid"
)

// Assignment is the matcher's verdict for one record: the remote
// identifier it should use, and whether the match was exact (every
// comparable field equal, so no remote write is needed for categories
// that treat exact matches as unchanged).
type Assignment struct {
	PutCode int64
	Exact   bool
}

// MatchContext tracks the remote identifiers already taken within one
// task during one batch run. It is never shared across tasks or runs.
type MatchContext struct {
	taken map[int64]struct{}
}

// NewMatchContext seeds the taken set from records that already carry a
// remote identifier, so a put-code is never reassigned to a different
// record of the same task.
func NewMatchContext(records []*Record) *MatchContext {
	mc := &MatchContext{taken: make(map[int64]struct{})}
	for _, r := range records {
		if r.PutCode != nil {
			mc.taken[*r.PutCode] = struct{}{}
		}
		if r.Invitee != nil && r.Invitee.PutCode != nil {
			mc.taken[*r.Invitee.PutCode] = struct{}{}
		}
	}
	return mc
}

func (mc *MatchContext) Taken(putCode int64) bool {
	_, ok := mc.taken[putCode]
	return ok
}

func (mc *MatchContext) Take(putCode int64) {
	mc.taken[putCode] = struct{}{}
}

// Match assigns at most one remote identifier to each record that does
// not yet hold one, and never the same identifier twice.
//
// Per record, two passes over the remote entries: an exact pass (all
// comparable fields equal) and a fallback pass (an essentially empty
// stub, or the reduced category key). Already-taken identifiers are
// skipped in both passes. When several records could claim the same
// fallback entry, the first record in the given order wins; callers pass
// records in ascending ID order so the tie-break is deterministic.
func Match(ops CategoryOps, profile *orcid.Profile, records []*Record, mc *MatchContext) map[int64]Assignment {
	out := make(map[int64]Assignment)

	for _, r := range records {
		if r.PutCode != nil {
			continue
		}
		entries := ops.RemoteEntries(profile, r)

		assigned := false
		for _, e := range entries {
			if mc.Taken(e.PutCode) {
				continue
			}
			if ops.ExactMatch(e, r) {
				out[r.ID] = Assignment{PutCode: e.PutCode, Exact: true}
				mc.Take(e.PutCode)
				assigned = true
				break
			}
		}
		if assigned {
			continue
		}

		for _, e := range entries {
			if mc.Taken(e.PutCode) {
				continue
			}
			if e.Empty() || ops.FallbackMatch(e, r) {
				out[r.ID] = Assignment{PutCode: e.PutCode}
				mc.Take(e.PutCode)
				zap.L().Debug("put-code assigned to record",
					zap.Int64("put_code", e.PutCode),
					zap.Int64("record_id", r.ID),
					zap.Int64("task_id", r.TaskID),
				)
				break
			}
		}
	}
	return out
}

package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"github.com/smallbiznis/tunnelgate/pkg/counter"
)

// Summary totals traffic per user over req.Range. Whole hours that the
// aggregator has settled come from rollups. The edges of the range, the grace
// zone behind the watermark, everything past it and any hour that received
// events after the last run are folded live from events.
func (s *Service) Summary(ctx context.Context, req trafficdomain.SummaryRequest) ([]trafficdomain.UserTotals, error) {
	cfg := s.cfg.Get()
	now := s.clock.Now()
	rng := req.Range
	if rng.To.IsZero() {
		rng.To = now
	}
	if rng.From.IsZero() {
		rng.From = rng.To.AddDate(0, 0, -cfg.RollupRetentionDays)
	}
	rng.From, rng.To = rng.From.UTC(), rng.To.UTC()
	if !rng.From.Before(rng.To) {
		return nil, trafficdomain.ErrInvalidRange
	}

	wm, err := s.repo.GetWatermark(ctx, s.db, domain.HourlyWatermark)
	if err != nil {
		return nil, err
	}

	fullStart := ceilHour(rng.From)
	fullEnd := rng.To.Truncate(time.Hour)
	if wm == nil || wm.WatermarkTime == nil {
		fullEnd = fullStart
	} else if settled := wm.WatermarkTime.UTC().Add(time.Hour - cfg.LateArrivalGrace).Truncate(time.Hour); settled.Before(fullEnd) {
		fullEnd = settled
	}

	totals := make(map[uuid.UUID]*trafficdomain.UserTotals)
	if !fullStart.Before(fullEnd) {
		if err := s.addLive(ctx, totals, rng, req.UserID); err != nil {
			return nil, err
		}
		return flatten(totals), nil
	}

	var dirty []time.Time
	if wm.RefoldCursor != nil {
		since := wm.RefoldCursor.UTC().Add(-cfg.RefoldOverlap)
		dirty, err = s.traffic.IngestedHoursTx(ctx, s.db, since, trafficdomain.TimeRange{From: fullStart, To: fullEnd})
		if err != nil {
			return nil, err
		}
	}

	userFilter := ""
	if req.UserID != nil {
		userFilter = req.UserID.String()
	}
	segmentStart := fullStart
	for _, hour := range append(dirty, fullEnd) {
		if segmentStart.Before(hour) {
			if err := s.addRolledUp(ctx, totals, segmentStart, hour, userFilter); err != nil {
				return nil, err
			}
		}
		if hour.Before(fullEnd) {
			if err := s.addLive(ctx, totals, trafficdomain.TimeRange{From: hour, To: hour.Add(time.Hour)}, req.UserID); err != nil {
				return nil, err
			}
		}
		segmentStart = hour.Add(time.Hour)
	}

	head := trafficdomain.TimeRange{From: rng.From, To: fullStart}
	tail := trafficdomain.TimeRange{From: fullEnd, To: rng.To}
	for _, edge := range []trafficdomain.TimeRange{head, tail} {
		if err := s.addLive(ctx, totals, edge, req.UserID); err != nil {
			return nil, err
		}
	}
	return flatten(totals), nil
}

func (s *Service) addRolledUp(ctx context.Context, totals map[uuid.UUID]*trafficdomain.UserTotals, from, to time.Time, userFilter string) error {
	sums, err := s.repo.SumByUser(ctx, s.db, from, to, userFilter)
	if err != nil {
		return err
	}
	for _, sum := range sums {
		userID, err := uuid.Parse(sum.UserID)
		if err != nil {
			continue
		}
		merge(totals, userID, sum.TotalUp, sum.TotalDown)
	}
	return nil
}

func (s *Service) addLive(ctx context.Context, totals map[uuid.UUID]*trafficdomain.UserTotals, rng trafficdomain.TimeRange, userID *uuid.UUID) error {
	if rng.Empty() {
		return nil
	}
	live, err := s.traffic.SumByUser(ctx, rng, userID)
	if err != nil {
		return err
	}
	for _, row := range live {
		merge(totals, row.UserID, row.TotalUp, row.TotalDown)
	}
	return nil
}

func merge(totals map[uuid.UUID]*trafficdomain.UserTotals, userID uuid.UUID, up, down uint64) {
	entry, ok := totals[userID]
	if !ok {
		entry = &trafficdomain.UserTotals{UserID: userID}
		totals[userID] = entry
	}
	if sum, err := counter.Add(entry.TotalUp, up); err == nil {
		entry.TotalUp = sum
	} else {
		entry.TotalUp = counter.Ceiling
	}
	if sum, err := counter.Add(entry.TotalDown, down); err == nil {
		entry.TotalDown = sum
	} else {
		entry.TotalDown = counter.Ceiling
	}
}

func flatten(totals map[uuid.UUID]*trafficdomain.UserTotals) []trafficdomain.UserTotals {
	out := make([]trafficdomain.UserTotals, 0, len(totals))
	for _, entry := range totals {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out
}

func ceilHour(t time.Time) time.Time {
	floor := t.Truncate(time.Hour)
	if floor.Equal(t) {
		return floor
	}
	return floor.Add(time.Hour)
}

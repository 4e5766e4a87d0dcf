package core

import (
	"time"

	"labqueue/pkg/domain"
)

// applyScheduleEffect keeps the Schedule row consistent with a status change.
// InReactor stamps the start once; completed statuses stamp the end once,
// backfilling start=end when the load never entered a reactor. Other statuses
// leave the schedule untouched.
func applyScheduleEffect(tx Transaction, loadID LoadID, status Status, reactor *string, now time.Time) error {
	switch {
	case status == domain.StatusInReactor:
		current, ok := tx.FindSchedule(loadID)
		if !ok {
			start := now
			_, err := tx.CreateSchedule(Schedule{LoadID: loadID, LoadStart: &start, Reactor: cloneString(reactor)})
			return err
		}
		if current.LoadStart != nil {
			return nil
		}
		_, err := tx.UpdateSchedule(loadID, func(s *Schedule) error {
			start := now
			s.LoadStart = &start
			if reactor != nil {
				s.Reactor = cloneString(reactor)
			}
			return nil
		})
		return err
	case status.IsCompleted():
		current, ok := tx.FindSchedule(loadID)
		if !ok {
			start, end := now, now
			_, err := tx.CreateSchedule(Schedule{LoadID: loadID, LoadStart: &start, LoadEnd: &end})
			return err
		}
		if current.LoadEnd != nil {
			return nil
		}
		_, err := tx.UpdateSchedule(loadID, func(s *Schedule) error {
			end := now
			if s.LoadStart == nil {
				start := now
				s.LoadStart = &start
			} else if end.Before(*s.LoadStart) {
				end = *s.LoadStart
			}
			s.LoadEnd = &end
			return nil
		})
		return err
	default:
		return nil
	}
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

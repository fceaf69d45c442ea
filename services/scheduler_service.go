package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"app-hivepay/models"
	"app-hivepay/repositories"
	"app-hivepay/utils"
)

// SchedulerService owns the cycle calendar: it seeds the future cycle
// dates when a group starts, rolls the schedule forward after each payout,
// and pushes past-due dates into the future.
type SchedulerService struct {
	db             *gorm.DB
	groupRepo      repositories.GroupRepository
	membershipRepo repositories.MembershipRepository
	enqueuer       JobEnqueuer
	stateMachine   *GroupStateMachine
	notifications  *NotificationService
	dateUtils      *utils.DateUtils

	// now is a hook for tests
	now func() time.Time
}

// NewSchedulerService creates a scheduler service
func NewSchedulerService(
	db *gorm.DB,
	groupRepo repositories.GroupRepository,
	membershipRepo repositories.MembershipRepository,
	enqueuer JobEnqueuer,
	notifications *NotificationService,
) *SchedulerService {
	return &SchedulerService{
		db:             db,
		groupRepo:      groupRepo,
		membershipRepo: membershipRepo,
		enqueuer:       enqueuer,
		stateMachine:   NewGroupStateMachine(),
		notifications:  notifications,
		dateUtils:      utils.NewDateUtils(),
		now:            time.Now,
	}
}

// Start activates a group and seeds one future cycle per active member,
// then enqueues the first cycle tick.
func (s *SchedulerService) Start(ctx context.Context, groupID uint, firstCycleDate time.Time) error {
	var delay time.Duration

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.groupRepo.FindByIDLocked(tx, groupID)
		if err != nil {
			return err
		}
		if group.CycleStarted {
			return ErrAlreadyStarted
		}
		if !models.IsValidFrequency(group.CycleFrequency) {
			return fmt.Errorf("group %d has invalid cycle frequency %q", groupID, group.CycleFrequency)
		}
		if !group.ContributionAmount.IsPositive() {
			return fmt.Errorf("group %d has non-positive contribution amount", groupID)
		}
		if err := s.stateMachine.ValidateTransition(group.Status, models.GroupStatusActive); err != nil {
			return err
		}

		members, err := s.membershipRepo.ListActiveUnpaid(tx, groupID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return fmt.Errorf("group %d has no active members", groupID)
		}

		dates := s.dateUtils.BuildCycleDates(firstCycleDate.UTC(), group.CycleFrequency, len(members))
		next := dates[0]

		group.Status = models.GroupStatusActive
		group.PauseReason = models.PauseReasonNone
		group.CycleStarted = true
		group.NextCycleDate = &next
		group.FutureCycles = models.DateList(dates)
		if err := s.groupRepo.Save(tx, group); err != nil {
			return err
		}

		delay = next.Sub(s.now().UTC())
		if delay < 0 {
			delay = 0
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.enqueuer.EnqueueCycleTick(ctx, groupID, delay); err != nil {
		return fmt.Errorf("enqueue first cycle tick for group %d: %w", groupID, err)
	}

	logrus.WithFields(logrus.Fields{
		"group_id": groupID,
		"delay":    delay.String(),
	}).Info("Group cycle started")
	s.notifications.Send(ctx, Notification{Kind: NotificationCycleStarted, GroupID: groupID})
	return nil
}

// Advance pops the completed cycle date off the front of the calendar
// inside the caller's transaction. With an empty calendar the group is
// paused as fully paid; otherwise NextCycleDate moves to the new head.
// Advance does not enqueue anything: it returns the delay to the next tick
// for the caller to schedule, or a negative duration when the calendar is
// exhausted.
func (s *SchedulerService) Advance(tx *gorm.DB, group *models.Group) (time.Duration, error) {
	if len(group.FutureCycles) > 0 {
		group.FutureCycles = group.FutureCycles[1:]
	}

	if len(group.FutureCycles) == 0 {
		group.NextCycleDate = nil
		group.FutureCycles = models.DateList{}
		group.Status = models.GroupStatusPaused
		group.PauseReason = models.PauseReasonAllPaid
		if err := s.groupRepo.Save(tx, group); err != nil {
			return -1, err
		}
		logrus.WithField("group_id", group.ID).Info("All cycles completed, group paused")
		return -1, nil
	}

	next := group.FutureCycles[0]
	group.NextCycleDate = &next
	if err := s.groupRepo.Save(tx, group); err != nil {
		return -1, err
	}

	delay := next.Sub(s.now().UTC())
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

// Normalize pushes a past-due next cycle date forward by whole frequency
// steps until it is in the future, persists the change and re-enqueues the
// tick. Used when resuming a group that sat paused across its schedule.
func (s *SchedulerService) Normalize(ctx context.Context, groupID uint) error {
	var delay time.Duration
	scheduled := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.groupRepo.FindByIDLocked(tx, groupID)
		if err != nil {
			return err
		}
		if group.NextCycleDate == nil {
			return nil
		}

		now := s.now().UTC()
		next := group.NextCycleDate.UTC()
		if next.After(now) {
			delay = next.Sub(now)
			scheduled = true
			return nil
		}

		normalized := s.dateUtils.NormalizeForward(next, group.CycleFrequency, now)
		shift := normalized.Sub(next)

		// Shift the whole calendar so the dates stay strictly increasing
		dates := make(models.DateList, len(group.FutureCycles))
		for i, d := range group.FutureCycles {
			dates[i] = d.Add(shift)
		}
		if len(dates) == 0 {
			dates = models.DateList{normalized}
		}
		group.NextCycleDate = &dates[0]
		group.FutureCycles = dates
		if err := s.groupRepo.Save(tx, group); err != nil {
			return err
		}

		delay = dates[0].Sub(now)
		scheduled = true
		return nil
	})
	if err != nil {
		return err
	}

	if scheduled {
		return s.enqueuer.EnqueueCycleTick(ctx, groupID, delay)
	}
	return nil
}

// Resume reactivates a paused group and re-enqueues the pending cycle
func (s *SchedulerService) Resume(ctx context.Context, groupID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.groupRepo.FindByIDLocked(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status != models.GroupStatusPaused {
			return ErrNotPaused
		}
		if err := s.stateMachine.ValidateTransition(group.Status, models.GroupStatusActive); err != nil {
			return err
		}

		group.Status = models.GroupStatusActive
		group.PauseReason = models.PauseReasonNone
		group.CycleStarted = true
		return s.groupRepo.Save(tx, group)
	})
	if err != nil {
		return err
	}

	logrus.WithField("group_id", groupID).Info("Group resumed")
	return s.Normalize(ctx, groupID)
}

// Pause stops new cycles from starting. In-flight debits keep resolving
// through the webhook ingestor.
func (s *SchedulerService) Pause(ctx context.Context, groupID uint, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.groupRepo.FindByIDLocked(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status == models.GroupStatusPaused {
			return nil
		}
		if err := s.stateMachine.ValidateTransition(group.Status, models.GroupStatusPaused); err != nil {
			return err
		}
		if err := s.groupRepo.UpdateStatus(tx, groupID, models.GroupStatusPaused, reason); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"group_id": groupID,
			"reason":   reason,
		}).Info("Group paused")
		return nil
	})
}

// ctl is the operator tool: inspect a group's cycle state, pause or resume
// a group, and replay a stored gateway webhook.
//
// Exit codes: 0 on success, 2 when the target does not exist, 3 on an
// invariant violation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"app-hivepay/config"
	"app-hivepay/database"
	"app-hivepay/gateway"
	"app-hivepay/jobs"
	"app-hivepay/models"
	"app-hivepay/queue"
	"app-hivepay/repositories"
	"app-hivepay/services"
)

const (
	exitOK        = 0
	exitUsage     = 1
	exitNotFound  = 2
	exitInvariant = 3
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	cfg := config.LoadConfig()
	db := database.ConnectDB(cfg)

	ctx := context.Background()
	command, target := args[0], args[1]

	var err error
	switch command {
	case "status":
		err = runStatus(ctx, db, cfg, target)
	case "pause":
		err = runPause(ctx, db, cfg, target)
	case "retry":
		err = runRetry(ctx, db, cfg, target)
	case "replay-webhook":
		err = runReplay(ctx, db, cfg, target)
	default:
		usage()
		os.Exit(exitUsage)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ctl: %v\n", err)
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			os.Exit(exitNotFound)
		case errors.Is(err, services.ErrInvariantViolation):
			os.Exit(exitInvariant)
		default:
			os.Exit(exitUsage)
		}
	}
	os.Exit(exitOK)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  ctl status <groupId>
  ctl pause <groupId>
  ctl retry <groupId>
  ctl replay-webhook <eventId>`)
}

func parseGroupID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid group id %q", raw)
	}
	return uint(id), nil
}

func runStatus(ctx context.Context, db *gorm.DB, cfg *config.Config, target string) error {
	groupID, err := parseGroupID(target)
	if err != nil {
		return err
	}
	groupRepo := repositories.NewGroupRepository(db)
	group, err := groupRepo.FindByID(ctx, groupID)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"id":              group.ID,
		"status":          group.Status,
		"pause_reason":    group.PauseReason,
		"cycle_started":   group.CycleStarted,
		"next_cycle_date": group.NextCycleDate,
		"future_cycles":   group.FutureCycles,
		"total_debited":   group.TotalDebited.StringFixed(2),
		"total_pending":   group.TotalPending.StringFixed(2),
		"total_success":   group.TotalSuccess.StringFixed(2),
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runPause(ctx context.Context, db *gorm.DB, cfg *config.Config, target string) error {
	groupID, err := parseGroupID(target)
	if err != nil {
		return err
	}
	scheduler, _, err := buildServices(db, cfg)
	if err != nil {
		return err
	}
	if err := scheduler.Pause(ctx, groupID, models.PauseReasonAdmin); err != nil {
		return err
	}
	fmt.Printf("group %d paused\n", groupID)
	return nil
}

func runRetry(ctx context.Context, db *gorm.DB, cfg *config.Config, target string) error {
	groupID, err := parseGroupID(target)
	if err != nil {
		return err
	}
	scheduler, _, err := buildServices(db, cfg)
	if err != nil {
		return err
	}
	if err := scheduler.Resume(ctx, groupID); err != nil {
		return err
	}
	fmt.Printf("group %d resumed\n", groupID)
	return nil
}

func runReplay(ctx context.Context, db *gorm.DB, cfg *config.Config, target string) error {
	eventRepo := repositories.NewWebhookEventRepository(db)
	stored, err := eventRepo.FindByProviderEventID(ctx, target)
	if err != nil {
		return err
	}

	event, err := services.ParseEventEnvelope([]byte(stored.Payload))
	if err != nil {
		return err
	}

	_, ingest, err := buildServices(db, cfg)
	if err != nil {
		return err
	}
	if err := ingest.HandleEvent(ctx, event); err != nil {
		return err
	}
	fmt.Printf("event %s replayed\n", target)
	return nil
}

// buildServices wires the scheduler and ingestor the same way the server
// does, over the shared queue and gateway.
func buildServices(db *gorm.DB, cfg *config.Config) (*services.SchedulerService, *services.WebhookIngestService, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	jobQueue := queue.NewQueue(redis.NewClient(redisOpts), cfg.CycleJobTimeout)
	enqueuer := jobs.NewEnqueuer(jobQueue)

	groupRepo := repositories.NewGroupRepository(db)
	membershipRepo := repositories.NewMembershipRepository(db)
	paymentRepo := repositories.NewPaymentRepository(db)
	payoutRepo := repositories.NewPayoutRepository(db)

	gw := gateway.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayPerGroupRate)
	notifications := services.NewNotificationService(&services.LogNotifier{})

	scheduler := services.NewSchedulerService(db, groupRepo, membershipRepo, enqueuer, notifications)
	ingest := services.NewWebhookIngestService(
		db, groupRepo, membershipRepo, paymentRepo, payoutRepo,
		gw, scheduler, enqueuer, notifications, cfg)
	return scheduler, ingest, nil
}

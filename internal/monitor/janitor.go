package monitor

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
)

// Janitor prunes instances that have sat in close longer than MaxAge.
// Deletion goes through the orchestrator's delete path (DeleteFn) so the
// usual best-effort cleanup and removal notification still run.
type Janitor struct {
	MaxAge   time.Duration
	DeleteFn func(name string) error

	cron *cron.Cron
}

func NewJanitor(maxAge time.Duration, deleteFn func(name string) error) *Janitor {
	return &Janitor{MaxAge: maxAge, DeleteFn: deleteFn}
}

func (j *Janitor) Start(schedule string) error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(schedule, j.Run); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// Run performs one sweep. Exposed for the scheduler and for tests.
func (j *Janitor) Run() {
	stale, err := database.StaleInstances(j.MaxAge)
	if err != nil {
		log.Printf("janitor: list stale instances: %v", err)
		return
	}
	for _, inst := range stale {
		log.Printf("janitor: removing instance %q, disconnected since %v", inst.Name, inst.DisconnectedAt)
		if err := j.DeleteFn(inst.Name); err != nil {
			log.Printf("janitor: delete %q: %v", inst.Name, err)
		}
	}
}

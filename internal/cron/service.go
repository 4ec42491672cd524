package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// Parser accepts a leading seconds field and descriptors such as "@every 5m".
var Parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// Func is the work a job runs. The context is cancelled on Stop.
type Func func(ctx context.Context) error

type Job struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Expr  string   `json:"expr"`
	State JobState `json:"state"`
}

type JobState struct {
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// Service runs named background jobs on cron schedules. Jobs may be added
// before or after Start.
type Service struct {
	mu       sync.Mutex
	jobs     []Job
	funcs    map[string]Func
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService() *Service {
	return &Service{
		funcs:    make(map[string]Func),
		entryMap: make(map[string]rcron.EntryID),
	}
}

// Validate reports whether expr is a schedule the service accepts.
func Validate(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(Parser))
	for i := range s.jobs {
		s.registerJob(&s.jobs[i])
	}
	count := len(s.jobs)
	c := s.cron
	s.mu.Unlock()

	c.Start()
	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

func (s *Service) registerJob(job *Job) {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Expr, func() {
		s.executeJob(id)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Expr, err)
		return
	}
	s.entryMap[id] = entryID
}

func (s *Service) executeJob(id string) error {
	s.mu.Lock()
	fn, ok := s.funcs[id]
	name := id
	for _, j := range s.jobs {
		if j.ID == id {
			name = j.Name
			break
		}
	}
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log.Printf("[cron] executing job %s (%s)", name, id)
	err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.Runs++
		st.LastRunAt = time.Now()
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			log.Printf("[cron] job %s error: %v", name, err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
		break
	}
	return err
}

// RunJob runs a job immediately on the caller's goroutine.
func (s *Service) RunJob(id string) error {
	return s.executeJob(id)
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

func (s *Service) AddJob(name, expr string, fn Func) (*Job, error) {
	if fn == nil {
		return nil, fmt.Errorf("job %s: nil func", name)
	}
	if err := Validate(expr); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := Job{ID: uuid.NewString(), Name: name, Expr: expr}
	s.jobs = append(s.jobs, job)
	s.funcs[job.ID] = fn
	if s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			delete(s.funcs, id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// Next returns the next fire time of a registered job, or zero when the
// service is not running.
func (s *Service) Next(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryMap[id]
	if !ok || s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(entryID).Next
}

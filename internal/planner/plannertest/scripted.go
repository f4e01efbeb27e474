// Package plannertest provides a deterministic planner for tests.
package plannertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goalpath/internal/planner"
)

var ErrScripted = errors.New("scripted planner failure")

// Scripted returns canned proposals. FailMilestones / FailTasks make the next
// N calls fail; a negative value fails every call.
type Scripted struct {
	mu sync.Mutex

	Milestones []planner.MilestoneProposal
	// Tasks is keyed by milestone title; Default applies when no key matches.
	Tasks        map[string][]planner.TaskProposal
	DefaultTasks []planner.TaskProposal

	FailMilestones int
	FailTasks      int

	MilestoneCalls int
	TaskCalls      int
	TaskCallsFor   map[string]int
}

var _ planner.Planner = (*Scripted)(nil)

// New returns a planner proposing n milestones with k tasks each.
func New(n, k int) *Scripted {
	s := &Scripted{Tasks: map[string][]planner.TaskProposal{}, TaskCallsFor: map[string]int{}}
	for i := 1; i <= n; i++ {
		s.Milestones = append(s.Milestones, planner.MilestoneProposal{
			Title:        fmt.Sprintf("Milestone %d", i),
			Description:  fmt.Sprintf("Phase %d", i),
			DurationDays: 7,
		})
	}
	for j := 1; j <= k; j++ {
		s.DefaultTasks = append(s.DefaultTasks, planner.TaskProposal{
			Title:     fmt.Sprintf("Task %d", j),
			DueInDays: j,
		})
	}
	return s
}

func (s *Scripted) ProposeMilestones(ctx context.Context, _ planner.GoalContext) ([]planner.MilestoneProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MilestoneCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailMilestones != 0 {
		if s.FailMilestones > 0 {
			s.FailMilestones--
		}
		return nil, ErrScripted
	}
	return append([]planner.MilestoneProposal(nil), s.Milestones...), nil
}

func (s *Scripted) ProposeTasks(ctx context.Context, m planner.MilestoneContext) ([]planner.TaskProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskCalls++
	if s.TaskCallsFor == nil {
		s.TaskCallsFor = map[string]int{}
	}
	s.TaskCallsFor[m.MilestoneID]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailTasks != 0 {
		if s.FailTasks > 0 {
			s.FailTasks--
		}
		return nil, ErrScripted
	}
	if tasks, ok := s.Tasks[m.Title]; ok {
		return append([]planner.TaskProposal(nil), tasks...), nil
	}
	return append([]planner.TaskProposal(nil), s.DefaultTasks...), nil
}

// SetFailures updates failure counters under the lock.
func (s *Scripted) SetFailures(milestones, tasks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailMilestones = milestones
	s.FailTasks = tasks
}

func (s *Scripted) Calls() (milestones, tasks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MilestoneCalls, s.TaskCalls
}

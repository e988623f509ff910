// Copyright 2025 Joevis
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package budget

import (
	"context"
	"sync"
	"time"

	"joevis/companion/shared/logger"
)

// DefaultFlushInterval is the periodic snapshot safety net.
const DefaultFlushInterval = 5 * time.Minute

// Scheduler owns the ledger's timers: the periodic snapshot flush and the
// calendar-month reset. Per-mutation flushes already happen inside the
// ledger; the ticker here only covers lost async writes.
type Scheduler struct {
	ledger        *Ledger
	history       HistorySink
	flushInterval time.Duration
	log           *logger.Logger
	now           func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for the ledger. history may be nil
// (archives are then dropped with a warning).
func NewScheduler(ledger *Ledger, history HistorySink, flushInterval time.Duration) *Scheduler {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Scheduler{
		ledger:        ledger,
		history:       history,
		flushInterval: flushInterval,
		log:           logger.New("budget-scheduler"),
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Start launches the flush ticker and the monthly-reset timer.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.flushLoop()
	go s.resetLoop()
}

// Stop halts both timers and performs one final synchronous flush.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ledger.Flush(ctx); err != nil {
		s.log.Warn("", "final snapshot flush failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Scheduler) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.ledger.Flush(ctx); err != nil {
				s.log.Warn("", "periodic snapshot flush failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) resetLoop() {
	defer s.wg.Done()

	for {
		delay := time.Until(nextMonthStart(s.now()))
		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
			s.runReset()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// runReset closes the period and archives it to the history sink.
func (s *Scheduler) runReset() {
	arc := s.ledger.ResetPeriod()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.history == nil {
		s.log.Warn("", "no history sink configured, archive dropped", map[string]interface{}{
			"period": arc.Period,
		})
		return
	}
	if err := s.history.AppendArchive(ctx, arc); err != nil {
		s.log.Error("", "failed to append archive", map[string]interface{}{
			"period": arc.Period,
			"error":  err.Error(),
		})
		return
	}
	s.log.Info("", "period archived", map[string]interface{}{
		"period": arc.Period,
	})
}

// nextMonthStart returns midnight UTC on the first of the month after t.
// time.Date normalizes month 13 into January of the next year.
func nextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

package matchmaker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/calendar"
)

// Service runs the matchmaker once per service-local day at a fixed
// wall-clock time.
type Service struct {
	mm         *Matchmaker
	cal        *calendar.Calendar
	clk        clockwork.Clock
	hour       int
	minute     int
	runTimeout time.Duration
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewService creates a scheduler that runs mm daily at hour:minute in the
// calendar's time zone.
func NewService(mm *Matchmaker, cal *calendar.Calendar, clk clockwork.Clock, hour, minute int, log *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mm:         mm,
		cal:        cal,
		clk:        clk,
		hour:       hour,
		minute:     minute,
		runTimeout: 10 * time.Minute,
		log:        log.Named("matchmaker"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (s *Service) Start() {
	go s.loop()
	s.log.Info("scheduler started",
		zap.Int("hour", s.hour),
		zap.Int("minute", s.minute),
		zap.String("time_zone", s.cal.Location().String()))
}

// Stop halts the loop and waits for an in-flight run to return.
func (s *Service) Stop() {
	s.cancel()
	<-s.done
	s.log.Info("scheduler stopped")
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		next := s.cal.NextAt(s.hour, s.minute)
		fire := make(chan struct{}, 1)
		timer := s.clk.AfterFunc(next.Sub(s.clk.Now()), func() { fire <- struct{}{} })

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-fire:
		}

		date := s.cal.DateOf(next)
		ctx, cancel := context.WithTimeout(s.ctx, s.runTimeout)
		if _, err := s.mm.Run(ctx, date); err != nil {
			s.log.Error("scheduled run failed", zap.String("match_date", date), zap.Error(err))
		}
		cancel()
	}
}

package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingJob struct {
	runs    atomic.Int32
	release chan struct{}
}

func (j *blockingJob) Name() string {
	return "blocking"
}

func (j *blockingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	<-j.release
	return nil
}

func TestWrapSkipsOverlappingTick(t *testing.T) {
	s := NewCronScheduler()
	job := &blockingJob{release: make(chan struct{})}
	tick := s.wrap(job, "@every 1m")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick()
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	tick()
	require.Equal(t, int32(1), job.runs.Load())

	close(job.release)
	wg.Wait()
	tick()
	require.Equal(t, int32(2), job.runs.Load())
}

func TestAddJob(t *testing.T) {
	s := NewCronScheduler()
	job := &blockingJob{release: make(chan struct{})}

	require.NoError(t, s.AddJob(job, ""))
	_, ok := s.Next(job.Name())
	require.False(t, ok)

	require.Error(t, s.AddJob(job, "not a spec"))
	require.NoError(t, s.AddJob(job, "*/5 * * * *"))
	require.Error(t, s.AddJob(job, "@hourly"))

	s.Start(context.Background())
	defer s.Stop()
	next, ok := s.Next(job.Name())
	require.True(t, ok)
	require.True(t, next.After(time.Now()))
}

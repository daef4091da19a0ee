package collab

import (
	"context"
	"errors"
)

var DefaultSemaphoreSize = 100

var (
	ErrAcquireTimeout = errors.New("acquire reached time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

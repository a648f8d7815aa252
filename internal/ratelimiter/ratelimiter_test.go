package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestAllow_EnforcesBurst(t *testing.T) {
	limiter := New(10, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow() {
		t.Fatal("request should be rejected after burst exhausted")
	}

	// 10 req/s means one token roughly every 100ms
	time.Sleep(120 * time.Millisecond)

	if !limiter.Allow() {
		t.Fatal("request should be allowed after token replenishment")
	}
}

func TestAllow_ZeroRateIsUnlimited(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 1000; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d rejected by unlimited limiter", i)
		}
	}
}

func TestNew_DefaultsBurstToRate(t *testing.T) {
	limiter := New(3, 0)

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed (burst defaults to rate)", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("fourth request should be rejected")
	}
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	limiter := New(1, 1)

	// Drain the single token
	if !limiter.Allow() {
		t.Fatal("initial token should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	if err == nil {
		t.Fatal("expected context error from Wait, got nil")
	}
}

func TestWait_AcquiresToken(t *testing.T) {
	limiter := New(100, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait failed on request %d: %v", i, err)
		}
	}
}

package extract

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRedisLock_RequiresAddress(t *testing.T) {
	if _, err := NewRedisLock(context.Background(), "", "", time.Minute); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestRedisLock_Integration_ExclusiveAcrossClients(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 to run integration tests")
	}
	addr := strings.TrimSpace(os.Getenv("SCENELENS_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("SCENELENS_TEST_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := NewRedisLock(ctx, addr, os.Getenv("SCENELENS_TEST_REDIS_PASSWORD"), 5*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = first.Close() }()
	second, err := NewRedisLock(ctx, addr, os.Getenv("SCENELENS_TEST_REDIS_PASSWORD"), 5*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = second.Close() }()

	key := LockKey("it-" + uuid.NewString())
	release, err := first.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	_, err = second.Acquire(waitCtx, key)
	waitCancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire should block while held, got %v", err)
	}

	release()
	release2, err := second.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("second acquire after release: %v", err)
	}
	release2()
}

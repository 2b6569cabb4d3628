package tokencache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExchanger struct {
	calls  int32
	token  string
	ttl    time.Duration
	fail   bool
	delay  time.Duration
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (string, time.Time, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return "", time.Time{}, fmt.Errorf("boom")
	}
	return f.token, time.Now().Add(f.ttl), nil
}

func TestGetReturnsCachedBearerWhileValid(t *testing.T) {
	ex := &fakeExchanger{token: "T1", ttl: 10 * time.Minute}
	c := New(ex, "refresh-token")

	tok1, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != "T1" || tok2 != "T1" {
		t.Fatalf("expected cached bearer T1, got %q and %q", tok1, tok2)
	}
	if atomic.LoadInt32(&ex.calls) != 1 {
		t.Fatalf("expected exactly one exchange, got %d", ex.calls)
	}
}

func TestGetRefreshesWhenWithinSkew(t *testing.T) {
	ex := &fakeExchanger{token: "T1", ttl: skew - time.Second}
	c := New(ex, "refresh-token")

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&ex.calls) != 2 {
		t.Fatalf("expected a refresh on the second call since expiry is within skew, got %d calls", ex.calls)
	}
}

func TestConcurrentGetSingleflightsRefresh(t *testing.T) {
	ex := &fakeExchanger{token: "T1", ttl: 10 * time.Minute, delay: 50 * time.Millisecond}
	c := New(ex, "refresh-token")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&ex.calls) != 1 {
		t.Fatalf("expected singleflight to coalesce into exactly one exchange, got %d", ex.calls)
	}
}

func TestRefreshFailureRetainsValidBearer(t *testing.T) {
	ex := &fakeExchanger{token: "T1", ttl: 10 * time.Minute}
	c := New(ex, "refresh-token")
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	ex.fail = true
	// A failed refresh while the cached bearer is still valid keeps it.
	c.MaybePreRefresh(context.Background(), 20*time.Minute)
	if tok, err := c.Get(context.Background()); err != nil || tok != "T1" {
		t.Fatalf("expected the still-valid bearer T1 to be retained, got %q, %v", tok, err)
	}

	c.Invalidate()
	// current is now zeroed, so a failed exchange with nothing cached must
	// surface a TokenError.
	if _, err := c.Get(context.Background()); err == nil {
		t.Fatal("expected TokenError when refresh fails with nothing cached")
	} else if _, ok := err.(*TokenError); !ok {
		t.Fatalf("expected *TokenError, got %T: %v", err, err)
	}
}

func TestMaybePreRefreshSkipsWhenNotNearExpiry(t *testing.T) {
	ex := &fakeExchanger{token: "T1", ttl: 20 * time.Minute}
	c := New(ex, "refresh-token")
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.MaybePreRefresh(context.Background(), 5*time.Minute)
	if atomic.LoadInt32(&ex.calls) != 1 {
		t.Fatalf("expected no pre-refresh when expiry is far away, got %d calls", ex.calls)
	}
}

func TestMaybePreRefreshFiresWhenNearingExpiry(t *testing.T) {
	ex := &fakeExchanger{token: "T1", ttl: 2 * time.Minute}
	c := New(ex, "refresh-token")
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	ex.token = "T2"
	c.MaybePreRefresh(context.Background(), 5*time.Minute)
	if atomic.LoadInt32(&ex.calls) != 2 {
		t.Fatalf("expected a pre-refresh call, got %d calls", ex.calls)
	}

	tok, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "T2" {
		t.Fatalf("expected pre-refreshed bearer T2, got %q", tok)
	}
}

package riskcontrol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"typed risk error wins", fmt.Errorf("wrap: %w", NewRiskError(ClassCaptcha, "baxia-dialog", "slider challenge")), ClassCaptcha},
		{"baxia dialog text", errors.New("detected baxia-dialog on page"), ClassCaptcha},
		{"middleware widget", errors.New("found J_MIDDLEWARE_FRAME_WIDGET container"), ClassCaptcha},
		{"api validate code", errors.New("api returned FAIL_SYS_USER_VALIDATE"), ClassCaptcha},
		{"http 429", errors.New("fetch detail: 429 too many requests"), ClassRateLimited},
		{"session expired", errors.New("FAIL_SYS_SESSION_EXPIRED: 登录已过期"), ClassAuthExpired},
		{"navigate error", errors.New("navigate: net::ERR_CONNECTION_RESET"), ClassTransient},
		{"context deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown defaults to transient", errors.New("something odd"), ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestPolicyTransientEscalatesToRotation(t *testing.T) {
	p := Policy{MaxRetries: 2, MaxRotations: 1}
	st := &State{}

	if got := p.Next(ClassTransient, st); got != ActionRetry {
		t.Fatalf("first failure: got %s, want retry", got)
	}
	if got := p.Next(ClassTransient, st); got != ActionRetry {
		t.Fatalf("second failure: got %s, want retry", got)
	}
	// K 耗尽后升级为轮换
	if got := p.Next(ClassTransient, st); got != ActionRotate {
		t.Fatalf("third failure: got %s, want rotate", got)
	}
	if st.Retries != 0 {
		t.Errorf("retries not reset after rotation: %d", st.Retries)
	}
	// R 也耗尽后终止
	st.Retries = p.MaxRetries
	if got := p.Next(ClassTransient, st); got != ActionAbort {
		t.Fatalf("after budgets exhausted: got %s, want abort", got)
	}
}

func TestPolicyCaptchaRotatesThenAborts(t *testing.T) {
	p := Policy{MaxRetries: 3, MaxRotations: 2}
	st := &State{}

	if got := p.Next(ClassCaptcha, st); got != ActionRotate {
		t.Fatalf("got %s, want rotate", got)
	}
	if got := p.Next(ClassCaptcha, st); got != ActionRotate {
		t.Fatalf("got %s, want rotate", got)
	}
	if got := p.Next(ClassCaptcha, st); got != ActionAbort {
		t.Fatalf("got %s, want abort", got)
	}
}

func TestPolicyAuthExpiredRotatesIdentityOnly(t *testing.T) {
	p := Policy{MaxRetries: 3, MaxRotations: 2}
	st := &State{}

	if got := p.Next(ClassAuthExpired, st); got != ActionRotateIdentity {
		t.Fatalf("got %s, want rotate_identity", got)
	}
}

func TestPolicyFatalAbortsImmediately(t *testing.T) {
	p := Policy{MaxRetries: 3, MaxRotations: 2}
	st := &State{}

	if got := p.Next(ClassFatal, st); got != ActionAbort {
		t.Fatalf("got %s, want abort", got)
	}
	if st.Retries != 0 || st.Rotations != 0 {
		t.Errorf("fatal should not consume budget: %+v", st)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{BackoffBase: time.Second, BackoffMax: 4 * time.Second}

	first := p.Backoff(1)
	if first < time.Second || first > time.Second+200*time.Millisecond {
		t.Errorf("attempt 1 backoff = %v, want ~1s", first)
	}
	capped := p.Backoff(10)
	if capped > 4*time.Second+500*time.Millisecond {
		t.Errorf("attempt 10 backoff = %v, exceeds cap", capped)
	}
}

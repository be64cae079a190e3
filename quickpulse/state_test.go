package quickpulse

import (
	"testing"
	"time"
)

func TestComputeTransitionPingSteadyState(t *testing.T) {
	// S1: repeated successful pings where the server does not ask for posts
	// stay in ping mode at the fixed ping interval.
	out := computeTransition(transitionInput{
		mode:             ModePing,
		success:          true,
		serverShouldPost: false,
	})
	if out.nextIsCollecting {
		t.Fatalf("expected not collecting")
	}
	if out.nextDelay != pingInterval {
		t.Fatalf("expected ping interval delay, got %v", out.nextDelay)
	}
}

func TestComputeTransitionActivation(t *testing.T) {
	// S2: a successful ping where the server asks for posts switches to
	// collecting at the post interval.
	out := computeTransition(transitionInput{
		mode:             ModePing,
		success:          true,
		serverShouldPost: true,
	})
	if !out.nextIsCollecting {
		t.Fatalf("expected collecting")
	}
	if out.nextDelay != postInterval {
		t.Fatalf("expected post interval delay, got %v", out.nextDelay)
	}
}

func TestComputeTransitionPostFailureWithinWindow(t *testing.T) {
	// S3: a failed post still within maxPostWaitTime keeps collecting and
	// retries at the post interval.
	out := computeTransition(transitionInput{
		mode:                 ModePost,
		success:              false,
		timeSinceLastSuccess: 10 * time.Second,
	})
	if !out.nextIsCollecting {
		t.Fatalf("expected still collecting within post wait window")
	}
	if out.nextDelay != postInterval {
		t.Fatalf("expected post interval retry delay, got %v", out.nextDelay)
	}
}

func TestComputeTransitionPostFailurePastWindow(t *testing.T) {
	// S4: a failed post past maxPostWaitTime falls back to ping mode at the
	// fallback interval.
	out := computeTransition(transitionInput{
		mode:                 ModePost,
		success:              false,
		timeSinceLastSuccess: maxPostWaitTime,
	})
	if out.nextIsCollecting {
		t.Fatalf("expected to drop out of collecting past post wait window")
	}
	if out.nextDelay != fallbackInterval {
		t.Fatalf("expected fallback interval delay, got %v", out.nextDelay)
	}
}

func TestComputeTransitionPingFailurePastWindow(t *testing.T) {
	// S5: a failed ping past maxPingWaitTime backs off to the fallback
	// interval instead of retrying every ping interval.
	out := computeTransition(transitionInput{
		mode:                 ModePing,
		success:              false,
		timeSinceLastSuccess: maxPingWaitTime,
	})
	if out.nextIsCollecting {
		t.Fatalf("expected not collecting")
	}
	if out.nextDelay != fallbackInterval {
		t.Fatalf("expected fallback interval delay, got %v", out.nextDelay)
	}
}

func TestComputeTransitionPingFailureWithinWindow(t *testing.T) {
	out := computeTransition(transitionInput{
		mode:                 ModePing,
		success:              false,
		timeSinceLastSuccess: 30 * time.Second,
	})
	if out.nextIsCollecting {
		t.Fatalf("expected not collecting")
	}
	if out.nextDelay != pingInterval {
		t.Fatalf("expected ping interval retry delay, got %v", out.nextDelay)
	}
}

func TestComputeTransitionPollingIntervalHintSticky(t *testing.T) {
	// S6: a sticky polling interval hint overrides the fixed ping interval
	// while pinging, but never overrides the post interval while collecting.
	hint := 2 * time.Second
	out := computeTransition(transitionInput{
		mode:                ModePing,
		success:             true,
		serverShouldPost:    false,
		pollingIntervalHint: &hint,
	})
	if out.nextDelay != hint {
		t.Fatalf("expected hinted delay %v, got %v", hint, out.nextDelay)
	}

	collecting := computeTransition(transitionInput{
		mode:                ModePing,
		success:             true,
		serverShouldPost:    true,
		pollingIntervalHint: &hint,
	})
	if collecting.nextDelay != postInterval {
		t.Fatalf("expected post interval to ignore hint, got %v", collecting.nextDelay)
	}
}

func TestComputeTransitionDeactivationStopsOnServerRequest(t *testing.T) {
	// A successful post where the server stops asking for posts drops back
	// to ping mode immediately, at the ping interval (no hint set).
	out := computeTransition(transitionInput{
		mode:             ModePost,
		success:          true,
		serverShouldPost: false,
	})
	if out.nextIsCollecting {
		t.Fatalf("expected to leave collecting state")
	}
	if out.nextDelay != pingInterval {
		t.Fatalf("expected ping interval delay, got %v", out.nextDelay)
	}
}

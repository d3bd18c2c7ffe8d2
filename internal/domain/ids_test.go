package domain

import "testing"

func TestRequestKeyDeterministic(t *testing.T) {
	req := GenerationRequest{ProviderKey: "fastdraft", ModelKey: "draft-1", Prompt: "a red fox", Kind: AssetKindVideo, Cost: 30}
	a := RequestKey("u1", req)
	b := RequestKey("u1", req)
	if a != b {
		t.Fatalf("same input hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestRequestKeySeparatesUsers(t *testing.T) {
	req := GenerationRequest{ProviderKey: "fastdraft", ModelKey: "draft-1", Prompt: "a red fox", Kind: AssetKindVideo, Cost: 30}
	if RequestKey("u1", req) == RequestKey("u2", req) {
		t.Fatal("different users produced the same request key")
	}
}

func TestRequestKeySeparatesRequests(t *testing.T) {
	a := GenerationRequest{ProviderKey: "fastdraft", ModelKey: "draft-1", Prompt: "a red fox", Kind: AssetKindVideo, Cost: 30}
	b := a
	b.Prompt = "a blue fox"
	if RequestKey("u1", a) == RequestKey("u1", b) {
		t.Fatal("different prompts produced the same request key")
	}
}

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{JobSucceeded, JobFailed, JobDead}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	live := []JobState{JobQueued, JobLeased, JobRunning}
	for _, s := range live {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestJobIDsSortable(t *testing.T) {
	a := NewJobID()
	b := NewJobID()
	if a == b {
		t.Fatal("consecutive job ids collided")
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected ULIDs, got %q / %q", a, b)
	}
}

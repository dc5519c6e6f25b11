package gate

import "testing"

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	a := Fingerprint("bot", "general", "deploy finished")
	b := Fingerprint("bot", "general", "deploy finished")
	if a != b {
		t.Fatalf("identical inputs produced different fingerprints: %s vs %s", a, b)
	}
}

func TestFingerprintScopedBySenderAndChannel(t *testing.T) {
	t.Parallel()
	base := Fingerprint("bot", "general", "deploy finished")
	if got := Fingerprint("other", "general", "deploy finished"); got == base {
		t.Fatal("different sender should produce a different fingerprint")
	}
	if got := Fingerprint("bot", "ops", "deploy finished"); got == base {
		t.Fatal("different channel should produce a different fingerprint")
	}
}

func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		a, b    string
		collide bool
	}{
		{
			name:    "case and whitespace",
			a:       "Deploy  Finished",
			b:       "deploy finished ",
			collide: true,
		},
		{
			name:    "epoch millisecond timestamps",
			a:       "heartbeat at 1756500000123",
			b:       "heartbeat at 1756500060456",
			collide: true,
		},
		{
			name:    "uuids",
			a:       "job 5e8c9f9a-1b2c-4d3e-8f4a-0a1b2c3d4e5f done",
			b:       "job 0f1e2d3c-4b5a-4978-8695-a4b3c2d1e0f9 done",
			collide: true,
		},
		{
			name:    "generated id tokens",
			a:       "task-a8f3k2 still waiting on review",
			b:       "task-b9x1m4 still waiting on review",
			collide: true,
		},
		{
			name:    "commit shas",
			a:       "built 4f9c2a1d8e3b6c5a0f7d",
			b:       "built 9a8b7c6d5e4f3a2b1c0d",
			collide: true,
		},
		{
			name:    "plain hyphenated words survive",
			a:       "status-update complete",
			b:       "status complete",
			collide: false,
		},
		{
			name:    "different content",
			a:       "deploy finished",
			b:       "deploy failed",
			collide: false,
		},
		{
			name:    "short numbers survive",
			a:       "3 tasks remaining",
			b:       "5 tasks remaining",
			collide: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fa := Fingerprint("bot", "general", tc.a)
			fb := Fingerprint("bot", "general", tc.b)
			if tc.collide && fa != fb {
				t.Fatalf("expected collision:\n  %q -> %s\n  %q -> %s", tc.a, fa, tc.b, fb)
			}
			if !tc.collide && fa == fb {
				t.Fatalf("unexpected collision for %q and %q", tc.a, tc.b)
			}
		})
	}
}

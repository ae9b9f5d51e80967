package chatsync

import "testing"

func TestUnreadTracker(t *testing.T) {
	a, b := DMKey("1"), ChannelKey("2")

	t.Run("increment and reset", func(t *testing.T) {
		u := NewUnreadTracker()
		u.Increment(a)
		if n := u.Increment(a); n != 2 {
			t.Fatalf("count = %d, want 2", n)
		}
		u.Increment(b)
		if u.Total() != 3 {
			t.Errorf("total = %d, want 3", u.Total())
		}
		u.Reset(a)
		if u.Count(a) != 0 || u.Count(b) != 1 {
			t.Errorf("after reset: %v", u.Snapshot())
		}
	})

	t.Run("active conversation stays at zero", func(t *testing.T) {
		u := NewUnreadTracker()
		u.Increment(a)
		u.SetActive(a)
		if u.Count(a) != 0 {
			t.Fatalf("SetActive did not zero: %d", u.Count(a))
		}
		if n := u.Increment(a); n != 0 {
			t.Errorf("active increment = %d", n)
		}
		u.Seed(a, 4)
		if u.Count(a) != 0 {
			t.Errorf("seed applied to active conversation")
		}
		if u.Active() != a {
			t.Errorf("active = %v", u.Active())
		}
	})

	t.Run("seed", func(t *testing.T) {
		u := NewUnreadTracker()
		u.Seed(b, 5)
		u.Seed(a, -1)
		u.Seed(Key{}, 3)
		if got := u.Snapshot(); len(got) != 1 || got[b] != 5 {
			t.Fatalf("snapshot = %v", got)
		}
		u.Seed(b, 0)
		if len(u.Snapshot()) != 0 {
			t.Errorf("zero seed should drop the counter")
		}
	})

	t.Run("zero key ignored", func(t *testing.T) {
		u := NewUnreadTracker()
		if u.Increment(Key{}) != 0 || u.Total() != 0 {
			t.Error("zero key counted")
		}
	})

	t.Run("clear", func(t *testing.T) {
		u := NewUnreadTracker()
		u.SetActive(a)
		u.Increment(b)
		u.Clear()
		if u.Total() != 0 || !u.Active().IsZero() {
			t.Error("clear left state behind")
		}
	})
}

//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
)

func TestSubscriptionRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	repo := NewSubscriptionRepo(testPool)
	start := time.Now().UTC().Truncate(time.Second)

	newSub := func(t *testing.T, ref string) *model.Subscription {
		t.Helper()
		s, err := model.NewSubscription("user-1", model.TierPremium, ref, start, start.AddDate(0, 1, 0), start)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	t.Run("one live subscription per user", func(t *testing.T) {
		cleanup(t)
		seedUserAndProgram(t, ctx, "user-1", "prog-1")

		if err := repo.Save(ctx, nil, newSub(t, "sub_1")); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if err := repo.Save(ctx, nil, newSub(t, "sub_2")); !errors.Is(err, domain.ErrAlreadyActive) {
			t.Fatalf("expected ErrAlreadyActive, got %v", err)
		}

		live, err := repo.FindLiveByUser(ctx, nil, "user-1")
		if err != nil || live.ExternalSubscriptionRef != "sub_1" {
			t.Fatalf("expected sub_1 live, got %+v (%v)", live, err)
		}
	})

	t.Run("update is conditional on status", func(t *testing.T) {
		cleanup(t)
		seedUserAndProgram(t, ctx, "user-1", "prog-1")
		s := newSub(t, "sub_1")
		if err := repo.Save(ctx, nil, s); err != nil {
			t.Fatal(err)
		}

		if err := s.CancelNow(start.Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
		ok, err := repo.Update(ctx, nil, s, model.SubscriptionStatusPastDue)
		if err != nil || ok {
			t.Fatalf("expected stale update to miss, got ok=%v err=%v", ok, err)
		}
		ok, err = repo.Update(ctx, nil, s, model.SubscriptionStatusActive)
		if err != nil || !ok {
			t.Fatalf("expected update to land, got ok=%v err=%v", ok, err)
		}
		if _, err := repo.FindLiveByUser(ctx, nil, "user-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("cancelled subscription is not live, got %v", err)
		}

		counts, err := repo.CountByStatus(ctx, nil)
		if err != nil || counts[model.SubscriptionStatusCancelled] != 1 {
			t.Errorf("unexpected counts %v (%v)", counts, err)
		}
	})

	t.Run("overdue cancellations", func(t *testing.T) {
		cleanup(t)
		seedUserAndProgram(t, ctx, "user-1", "prog-1")
		s := newSub(t, "sub_1")
		if err := s.ScheduleCancel(start.Add(time.Minute), start); err != nil {
			t.Fatal(err)
		}
		if err := repo.Save(ctx, nil, s); err != nil {
			t.Fatal(err)
		}
		overdue, err := repo.ListCancelOverdue(ctx, nil, start.Add(time.Hour), 10)
		if err != nil || len(overdue) != 1 {
			t.Fatalf("expected one overdue, got %d (%v)", len(overdue), err)
		}
	})
}

func TestUserAndProgramRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	users := NewPostgresUserRepo(testPool)
	programs := NewProgramRepo(testPool)

	t.Run("customer ref is set once", func(t *testing.T) {
		cleanup(t)
		seedUserAndProgram(t, ctx, "user-1", "prog-1")

		stored, err := users.SetCustomerRefIfEmpty(ctx, nil, "user-1", "cus_a")
		if err != nil || stored != "cus_a" {
			t.Fatalf("expected cus_a, got %s (%v)", stored, err)
		}
		stored, err = users.SetCustomerRefIfEmpty(ctx, nil, "user-1", "cus_b")
		if err != nil || stored != "cus_a" {
			t.Fatalf("expected the first ref to win, got %s (%v)", stored, err)
		}

		u, err := users.FindByCustomerRef(ctx, nil, "cus_a")
		if err != nil || u.ID != "user-1" {
			t.Fatalf("FindByCustomerRef: %+v (%v)", u, err)
		}

		// A later Save with no ref must not clear it.
		u.ExternalCustomerRef = nil
		u.Email = "changed@example.com"
		if err := users.Save(ctx, nil, u); err != nil {
			t.Fatal(err)
		}
		u, _ = users.FindByID(ctx, nil, "user-1")
		if u.CustomerRef() != "cus_a" {
			t.Errorf("customer ref lost on save: %q", u.CustomerRef())
		}
	})

	t.Run("enrollment counts once per key", func(t *testing.T) {
		cleanup(t)
		seedUserAndProgram(t, ctx, "user-1", "prog-1")

		for i := 0; i < 3; i++ {
			if _, err := programs.IncrementEnrollment(ctx, nil, "prog-1", "effect-1"); err != nil {
				t.Fatal(err)
			}
		}
		p, err := programs.FindByID(ctx, nil, "prog-1")
		if err != nil {
			t.Fatal(err)
		}
		if p.EnrollmentCount != 1 {
			t.Errorf("expected count 1, got %d", p.EnrollmentCount)
		}
	})
}

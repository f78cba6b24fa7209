package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fadebin/pkg/domain"

	"github.com/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStoreWithConfig(path, 5, 2, 5*time.Second)
	if err != nil {
		t.Fatalf("NewStoreWithConfig failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustInsert(t *testing.T, s *Store, p *domain.Paste) *domain.Paste {
	t.Helper()
	if err := s.Insert(context.Background(), p); err != nil {
		t.Fatalf("Insert(%s) failed: %v", p.Token, err)
	}
	return p
}

func testPaste(token string, now, expiresIn int64) *domain.Paste {
	return &domain.Paste{
		Token:            token,
		Title:            "title",
		Content:          "content",
		Language:         "auto",
		CreatedAt:        now,
		ExpiresAt:        now + expiresIn,
		OriginalDuration: expiresIn,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")
	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	now := time.Now().Unix()
	mustInsert(t, s1, testPaste("aaaaaaaa", now, 3600))
	if err := s1.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reopening replays the migration list; everything is already applied.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer s2.Close()
	count, err := s2.LiveCount(context.Background())
	if err != nil {
		t.Fatalf("LiveCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after reopen, got %d", count)
	}
}

func TestInsertAssignsID(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p1 := mustInsert(t, s, testPaste("tokenone", now, 3600))
	p2 := mustInsert(t, s, testPaste("tokentwo", now, 3600))
	if p1.ID == 0 || p2.ID == 0 {
		t.Fatalf("ids not assigned: %d, %d", p1.ID, p2.ID)
	}
	if p2.ID <= p1.ID {
		t.Errorf("ids must be monotonically increasing: %d then %d", p1.ID, p2.ID)
	}
}

func TestInsertDuplicateToken(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("samesame", now, 3600))
	err := s.Insert(context.Background(), testPaste("samesame", now, 3600))
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
}

func TestInsertRejectsPublicWithMaxViews(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("badcombo", now, 3600)
	mv := int64(3)
	p.MaxViews = &mv
	p.IsPublic = true
	if err := s.Insert(context.Background(), p); err == nil {
		t.Fatal("expected mutual-exclusion rejection, got nil")
	}
}

func TestReadForViewCountsViews(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("viewable", now, 3600))
	for want := int64(1); want <= 3; want++ {
		p, err := s.ReadForView(context.Background(), "viewable", now)
		if err != nil {
			t.Fatalf("ReadForView #%d failed: %v", want, err)
		}
		if p.Views != want {
			t.Errorf("read #%d: views = %d, want %d", want, p.Views, want)
		}
	}
}

func TestReadForViewMissingToken(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadForView(context.Background(), "nosuchtk", time.Now().Unix())
	if !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("expected ErrPasteNotFound, got %v", err)
	}
}

func TestReadForViewExpiredToken(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("expired1", now-100, 50))
	_, err := s.ReadForView(context.Background(), "expired1", now)
	if !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("expired paste must read as not found, got %v", err)
	}
}

// The view guard lives inside the UPDATE itself, so no interleaving of
// readers can push a record past its limit.
func TestReadForViewBurnLimit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("burnable", now, 3600)
	mv := int64(3)
	p.MaxViews = &mv
	mustInsert(t, s, p)

	for i := 1; i <= 3; i++ {
		got, err := s.ReadForView(context.Background(), "burnable", now)
		if err != nil {
			t.Fatalf("read #%d should succeed: %v", i, err)
		}
		if got.Views != int64(i) {
			t.Errorf("read #%d: views = %d, want %d", i, got.Views, i)
		}
	}
	_, err := s.ReadForView(context.Background(), "burnable", now)
	if !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("read #4 must be not found, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("deadone1", now-200, 100))
	mustInsert(t, s, testPaste("deadtwo2", now-200, 150))
	mustInsert(t, s, testPaste("aliveone", now, 3600))

	tokens, err := s.SweepExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 swept tokens, got %v", tokens)
	}
	count, _ := s.LiveCount(context.Background())
	if count != 1 {
		t.Errorf("expected 1 surviving row, got %d", count)
	}
	// Sweeping again finds nothing.
	tokens, err = s.SweepExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("second sweep must be empty, got %v", tokens)
	}
}

func TestEnforceRowCapacityEvictsSoonestExpiring(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("longlive", now, 300))
	mustInsert(t, s, testPaste("shortone", now, 100))
	mustInsert(t, s, testPaste("longest1", now, 600))

	// max 3 with one slot reserved: one eviction, the soonest to expire.
	tokens, err := s.EnforceRowCapacity(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("EnforceRowCapacity failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "shortone" {
		t.Fatalf("expected [shortone] evicted, got %v", tokens)
	}
}

func TestEnforceRowCapacityTieBreaksOnID(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("firstins", now, 100))
	mustInsert(t, s, testPaste("secondin", now, 100))

	tokens, err := s.EnforceRowCapacity(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("EnforceRowCapacity failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "firstins" {
		t.Fatalf("tie must evict the lowest id, got %v", tokens)
	}
}

func TestEnforceRowCapacityUnderLimit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("onlyone1", now, 100))
	tokens, err := s.EnforceRowCapacity(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("EnforceRowCapacity failed: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("no eviction expected under the limit, got %v", tokens)
	}
}

func TestEnforceByteBudget(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	big := testPaste("bigearly", now, 100)
	big.Content = string(make([]byte, 60))
	mustInsert(t, s, big)
	small := testPaste("smalllat", now, 600)
	small.Content = string(make([]byte, 50))
	mustInsert(t, s, small)

	// 110 bytes total against a 100-byte budget: the soonest-expiring row
	// goes first and is already enough.
	tokens, err := s.EnforceByteBudget(context.Background(), 100, 0)
	if err != nil {
		t.Fatalf("EnforceByteBudget failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "bigearly" {
		t.Fatalf("expected [bigearly] evicted, got %v", tokens)
	}
	total, err := s.TotalContentBytes(context.Background())
	if err != nil {
		t.Fatalf("TotalContentBytes failed: %v", err)
	}
	if total != 50 {
		t.Errorf("expected 50 bytes remaining, got %d", total)
	}
}

func TestEnforceByteBudgetWithReserve(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("occupant", now, 100)
	p.Content = string(make([]byte, 90))
	mustInsert(t, s, p)

	// Budget 100, incoming paste of 30: the occupant must make way.
	tokens, err := s.EnforceByteBudget(context.Background(), 100, 30)
	if err != nil {
		t.Fatalf("EnforceByteBudget failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "occupant" {
		t.Fatalf("expected [occupant] evicted, got %v", tokens)
	}
}

func setExpiry(t *testing.T, s *Store, token string, expiresAt int64) {
	t.Helper()
	if _, err := s.DB().Exec(`UPDATE pastes SET expires_at = ? WHERE token = ?`, expiresAt, token); err != nil {
		t.Fatalf("setExpiry failed: %v", err)
	}
}

func TestRenewEligible(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("renewme1", now, 100)
	p.IsPublic = true
	mustInsert(t, s, p)
	// Less than half of the original duration remains.
	setExpiry(t, s, "renewme1", now+30)

	newExpiry, err := s.Renew(context.Background(), "renewme1", now)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if newExpiry != now+100 {
		t.Errorf("expiry = %d, want %d (now+original_duration)", newExpiry, now+100)
	}
}

func TestRenewDeclinedTooEarly(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("tooearly", now, 100)
	p.IsPublic = true
	mustInsert(t, s, p)
	setExpiry(t, s, "tooearly", now+80)

	_, err := s.Renew(context.Background(), "tooearly", now)
	if !errors.Is(err, domain.ErrRenewDeclined) {
		t.Fatalf("expected ErrRenewDeclined, got %v", err)
	}
}

func TestRenewDeclinedAtExactHalf(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("halfleft", now, 100)
	p.IsPublic = true
	mustInsert(t, s, p)
	// Remaining life equals exactly half: the threshold is strict.
	setExpiry(t, s, "halfleft", now+50)

	_, err := s.Renew(context.Background(), "halfleft", now)
	if !errors.Is(err, domain.ErrRenewDeclined) {
		t.Fatalf("expected ErrRenewDeclined at exactly half, got %v", err)
	}
}

func TestRenewDeclinedPrivate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("private1", now, 100))
	setExpiry(t, s, "private1", now+10)

	_, err := s.Renew(context.Background(), "private1", now)
	if !errors.Is(err, domain.ErrRenewDeclined) {
		t.Fatalf("private paste must decline renewal, got %v", err)
	}
}

func TestRenewNotFound(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	_, err := s.Renew(context.Background(), "absent12", now)
	if !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("expected ErrPasteNotFound, got %v", err)
	}
}

func TestRenewExpiredIsNotFound(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("wasalive", now-200, 100)
	p.IsPublic = true
	mustInsert(t, s, p)

	// An expired record never resurrects through renewal.
	_, err := s.Renew(context.Background(), "wasalive", now)
	if !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("expired paste must renew to not found, got %v", err)
	}
}

func TestDeleteByTokenIdempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("deleteme", now, 3600))
	if err := s.DeleteByToken(context.Background(), "deleteme"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := s.DeleteByToken(context.Background(), "deleteme"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
}

func TestListPublicOrdering(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	older := testPaste("olderpub", now-100, 3600)
	older.IsPublic = true
	mustInsert(t, s, older)
	newer := testPaste("newerpub", now, 3600)
	newer.IsPublic = true
	mustInsert(t, s, newer)
	mustInsert(t, s, testPaste("private2", now, 3600))

	pastes, err := s.ListPublic(context.Background(), now, 10, 0)
	if err != nil {
		t.Fatalf("ListPublic failed: %v", err)
	}
	if len(pastes) != 2 {
		t.Fatalf("expected 2 public pastes, got %d", len(pastes))
	}
	if pastes[0].Token != "newerpub" || pastes[1].Token != "olderpub" {
		t.Errorf("wrong order: %s, %s", pastes[0].Token, pastes[1].Token)
	}

	count, err := s.PublicCount(context.Background(), now)
	if err != nil {
		t.Fatalf("PublicCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("PublicCount = %d, want 2", count)
	}
}

func TestListPublicPagination(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	for i, token := range []string{"pageone1", "pagetwo2", "pagethr3"} {
		p := testPaste(token, now+int64(i), 3600)
		p.IsPublic = true
		mustInsert(t, s, p)
	}
	pastes, err := s.ListPublic(context.Background(), now, 1, 1)
	if err != nil {
		t.Fatalf("ListPublic failed: %v", err)
	}
	if len(pastes) != 1 || pastes[0].Token != "pagetwo2" {
		t.Fatalf("expected [pagetwo2] at offset 1, got %v", pastes)
	}
}

func TestHighWaterIDSurvivesDeletion(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	mustInsert(t, s, testPaste("earlier1", now, 3600))
	latest := mustInsert(t, s, testPaste("latest12", now, 3600))
	if err := s.DeleteByToken(context.Background(), "latest12"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	high, err := s.HighWaterID(context.Background())
	if err != nil {
		t.Fatalf("HighWaterID failed: %v", err)
	}
	if high != latest.ID {
		t.Errorf("HighWaterID = %d, want %d after deleting the newest row", high, latest.ID)
	}
}

func TestIncrViewsSkipsBurnLimited(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	p := testPaste("limited1", now, 3600)
	mv := int64(5)
	p.MaxViews = &mv
	mustInsert(t, s, p)
	mustInsert(t, s, testPaste("unlimite", now, 3600))

	if err := s.IncrViews(context.Background(), "limited1"); err != nil {
		t.Fatalf("IncrViews failed: %v", err)
	}
	if err := s.IncrViews(context.Background(), "unlimite"); err != nil {
		t.Fatalf("IncrViews failed: %v", err)
	}

	got, err := s.ReadForView(context.Background(), "limited1", now)
	if err != nil {
		t.Fatalf("ReadForView failed: %v", err)
	}
	if got.Views != 1 {
		t.Errorf("burn-limited record must not be async-incremented: views = %d", got.Views)
	}
	got, err = s.ReadForView(context.Background(), "unlimite", now)
	if err != nil {
		t.Fatalf("ReadForView failed: %v", err)
	}
	if got.Views != 2 {
		t.Errorf("unlimited record views = %d, want 2", got.Views)
	}
}

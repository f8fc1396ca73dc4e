package vibes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/auth"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/faults"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/gateway"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/realtime"
)

const (
	testVenueLat = 40.7580
	testVenueLng = -73.9855
)

type fakeSessions struct {
	mu     sync.Mutex
	claims auth.SessionClaims
	err    error
	calls  int
}

func (f *fakeSessions) ValidateToken(string) (auth.SessionClaims, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.claims, f.err
}

type serviceFixture struct {
	service  *Service
	db       *gorm.DB
	sessions *fakeSessions
	online   bool
	now      time.Time
	nextID   int
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Venue{}, &VibeCheck{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&Venue{
		VenueID:   "venue-1",
		Name:      "Rooftop Bar",
		Latitude:  testVenueLat,
		Longitude: testVenueLng,
	}).Error; err != nil {
		t.Fatalf("failed to seed venue: %v", err)
	}

	fixture := &serviceFixture{
		db:       db,
		sessions: &fakeSessions{claims: auth.SessionClaims{ActorID: "actor-1"}},
		online:   true,
		now:      time.Date(2026, 5, 12, 22, 0, 0, 0, time.UTC),
	}

	service, err := NewService(ServiceConfig{
		DB:           db,
		Gateway:      gateway.New(nil),
		Sessions:     fixture.sessions,
		Connectivity: func() bool { return fixture.online },
		Clock:        func() time.Time { return fixture.now },
		NewID: func() string {
			fixture.nextID++
			return fmt.Sprintf("check-%d", fixture.nextID)
		},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	fixture.service = service
	return fixture
}

func (f *serviceFixture) validRequest() CreateRequest {
	lat, lng := testVenueLat, testVenueLng
	return CreateRequest{
		SessionToken: "session-token",
		VenueID:      "venue-1",
		Comment:      "packed tonight",
		Busyness:     4,
		Latitude:     &lat,
		Longitude:    &lng,
	}
}

func mustFaultKind(t *testing.T, err error, want faults.Kind) *faults.Fault {
	t.Helper()
	fault := faults.As(err)
	if fault == nil {
		t.Fatalf("expected structured fault, got %v", err)
	}
	if fault.Kind != want {
		t.Fatalf("expected %s, got %s (%v)", want, fault.Kind, err)
	}
	return fault
}

func TestCreateVibeCheckHappyPath(t *testing.T) {
	fixture := newServiceFixture(t)

	check, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if check.CheckID == "" || check.ActorID != "actor-1" || check.VenueID != "venue-1" {
		t.Fatalf("unexpected check %#v", check)
	}

	feed, err := fixture.service.Feed(context.Background(), "venue-1", 10)
	if err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if len(feed) != 1 || feed[0].CheckID != check.CheckID {
		t.Fatalf("expected created check in feed, got %#v", feed)
	}
}

func TestCreateVibeCheckOfflineShortCircuits(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.online = false

	_, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest())
	mustFaultKind(t, err, faults.KindConnectivityOffline)
	if fixture.sessions.calls != 0 {
		t.Fatal("connectivity must be checked before authentication")
	}
}

func TestCreateVibeCheckRequiresSession(t *testing.T) {
	fixture := newServiceFixture(t)
	request := fixture.validRequest()
	request.SessionToken = ""

	_, err := fixture.service.CreateVibeCheck(context.Background(), request)
	mustFaultKind(t, err, faults.KindAuthenticationRequired)
}

func TestCreateVibeCheckExpiredSession(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.sessions.err = auth.ErrExpiredSessionToken

	_, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest())
	mustFaultKind(t, err, faults.KindAuthenticationExpired)
}

func TestCreateVibeCheckAuthPrecedesValidation(t *testing.T) {
	fixture := newServiceFixture(t)
	request := fixture.validRequest()
	request.SessionToken = ""
	request.Busyness = 0

	// Both pre-checks would fail; authentication is evaluated first.
	_, err := fixture.service.CreateVibeCheck(context.Background(), request)
	mustFaultKind(t, err, faults.KindAuthenticationRequired)
}

func TestCreateVibeCheckInvalidBusyness(t *testing.T) {
	fixture := newServiceFixture(t)
	request := fixture.validRequest()
	request.Busyness = 9

	_, err := fixture.service.CreateVibeCheck(context.Background(), request)
	mustFaultKind(t, err, faults.KindInputInvalid)
}

func TestCreateVibeCheckUnknownVenue(t *testing.T) {
	fixture := newServiceFixture(t)
	request := fixture.validRequest()
	request.VenueID = "venue-nope"

	_, err := fixture.service.CreateVibeCheck(context.Background(), request)
	mustFaultKind(t, err, faults.KindInputInvalid)
}

func TestCreateVibeCheckWithoutLocation(t *testing.T) {
	fixture := newServiceFixture(t)
	request := fixture.validRequest()
	request.Latitude = nil
	request.Longitude = nil

	_, err := fixture.service.CreateVibeCheck(context.Background(), request)
	mustFaultKind(t, err, faults.KindGeolocationUnavailable)
}

func TestCreateVibeCheckOutsideGeofence(t *testing.T) {
	fixture := newServiceFixture(t)
	request := fixture.validRequest()
	farLat := testVenueLat + 0.01 // roughly 1.1km north
	request.Latitude = &farLat

	_, err := fixture.service.CreateVibeCheck(context.Background(), request)
	fault := mustFaultKind(t, err, faults.KindGeofenceTooFar)
	if fault.Meta["distance_m"] == "" {
		t.Fatal("expected measured distance in fault metadata")
	}
}

func TestCreateVibeCheckRateLimited(t *testing.T) {
	fixture := newServiceFixture(t)

	if _, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest()); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	fixture.now = fixture.now.Add(10 * time.Minute)
	_, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest())
	fault := mustFaultKind(t, err, faults.KindResourceRateLimited)
	if fault.Meta["seconds_until_reset"] == "" {
		t.Fatal("expected reset countdown in fault metadata")
	}

	// Past the rolling window the write goes through again.
	fixture.now = fixture.now.Add(51 * time.Minute)
	if _, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest()); err != nil {
		t.Fatalf("create after window failed: %v", err)
	}
}

func TestCreateVibeCheckRateLimitIsPerVenue(t *testing.T) {
	fixture := newServiceFixture(t)
	if err := fixture.db.Create(&Venue{
		VenueID:   "venue-2",
		Name:      "Basement Club",
		Latitude:  testVenueLat,
		Longitude: testVenueLng,
	}).Error; err != nil {
		t.Fatalf("failed to seed second venue: %v", err)
	}

	if _, err := fixture.service.CreateVibeCheck(context.Background(), fixture.validRequest()); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	request := fixture.validRequest()
	request.VenueID = "venue-2"
	if _, err := fixture.service.CreateVibeCheck(context.Background(), request); err != nil {
		t.Fatalf("create at second venue failed: %v", err)
	}
}

func TestApplyChangeInsertUpdateDelete(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	payload := func(comment string) json.RawMessage {
		raw, _ := json.Marshal(VibeCheck{
			CheckID:          "vc-1",
			VenueID:          "venue-1",
			ActorID:          "actor-2",
			Comment:          comment,
			Busyness:         3,
			CreatedAtSeconds: fixture.now.Unix(),
			UpdatedAtSeconds: fixture.now.Unix(),
		})
		return raw
	}

	insert := realtime.Event{Kind: realtime.EventInsert, RecordID: "vc-1", Payload: payload("quiet")}
	if err := fixture.service.ApplyChange(ctx, insert); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	// Replaying the same record is a no-op, not an error.
	if err := fixture.service.ApplyChange(ctx, insert); err != nil {
		t.Fatalf("replayed insert failed: %v", err)
	}

	update := realtime.Event{Kind: realtime.EventUpdate, RecordID: "vc-1", Payload: payload("filling up")}
	if err := fixture.service.ApplyChange(ctx, update); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	var stored VibeCheck
	if err := fixture.db.Where("check_id = ?", "vc-1").Take(&stored).Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Comment != "filling up" {
		t.Fatalf("expected updated comment, got %q", stored.Comment)
	}

	remove := realtime.Event{Kind: realtime.EventDelete, RecordID: "vc-1"}
	if err := fixture.service.ApplyChange(ctx, remove); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	var count int64
	fixture.db.Model(&VibeCheck{}).Where("check_id = ?", "vc-1").Count(&count)
	if count != 0 {
		t.Fatal("expected row removed")
	}
}

func TestApplyChangeRejectsUnknownKind(t *testing.T) {
	fixture := newServiceFixture(t)
	err := fixture.service.ApplyChange(context.Background(), realtime.Event{Kind: "truncate", RecordID: "vc-1"})
	mustFaultKind(t, err, faults.KindInputInvalid)
}

func TestFeedSkipsDeletedAndOrdersNewestFirst(t *testing.T) {
	fixture := newServiceFixture(t)
	rows := []VibeCheck{
		{CheckID: "vc-1", VenueID: "venue-1", ActorID: "a", Busyness: 2, CreatedAtSeconds: 100, UpdatedAtSeconds: 100},
		{CheckID: "vc-2", VenueID: "venue-1", ActorID: "b", Busyness: 4, CreatedAtSeconds: 200, UpdatedAtSeconds: 200},
		{CheckID: "vc-3", VenueID: "venue-1", ActorID: "c", Busyness: 5, CreatedAtSeconds: 300, UpdatedAtSeconds: 300, IsDeleted: true},
	}
	for _, row := range rows {
		if err := fixture.db.Create(&row).Error; err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	feed, err := fixture.service.Feed(context.Background(), "venue-1", 10)
	if err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if len(feed) != 2 || feed[0].CheckID != "vc-2" || feed[1].CheckID != "vc-1" {
		t.Fatalf("unexpected feed %#v", feed)
	}
}

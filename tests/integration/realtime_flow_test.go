package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/auth"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/cursor"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/gateway"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/realtime"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/vibes"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "buzzvar"
	integrationVenueID       = "venue-1"
	integrationActorID       = "actor-1"
)

func openIntegrationDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&vibes.Venue{}, &vibes.VibeCheck{}, &cursor.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&vibes.Venue{
		VenueID:   integrationVenueID,
		Name:      "Rooftop Bar",
		Latitude:  40.7580,
		Longitude: -73.9855,
	}).Error; err != nil {
		t.Fatalf("failed to seed venue: %v", err)
	}
	return db
}

func buildVibeService(t *testing.T, db *gorm.DB) *vibes.Service {
	t.Helper()
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	service, err := vibes.NewService(vibes.ServiceConfig{
		DB:       db,
		Gateway:  gateway.New(nil),
		Sessions: sessions,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mintIntegrationToken(t *testing.T) string {
	t.Helper()
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, err := issuer.IssueSessionToken(integrationActorID, "Dana")
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func TestPushedChangeLandsInFeed(t *testing.T) {
	db := openIntegrationDatabase(t)
	service := buildVibeService(t, db)

	check := vibes.VibeCheck{
		CheckID:          "vc-pushed",
		VenueID:          integrationVenueID,
		ActorID:          "actor-2",
		Comment:          "line around the block",
		Busyness:         5,
		CreatedAtSeconds: time.Now().Unix(),
		UpdatedAtSeconds: time.Now().Unix(),
	}
	payload, _ := json.Marshal(check)

	upgrader := websocket.Upgrader{}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Auth and subscribe frames arrive before the broadcast goes out.
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = conn.WriteJSON(map[string]any{
			"type":      "broadcast",
			"channel":   "vibe_checks",
			"data":      json.RawMessage(payload),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsServer.Close()

	client := realtime.NewClient(realtime.ClientConfig{
		WebsocketURL:    "ws" + strings.TrimPrefix(wsServer.URL, "http"),
		PollBaseURL:     "http://127.0.0.1:1",
		ActorID:         integrationActorID,
		DisableBatching: true,
		CheckInterval:   time.Minute,
		Cursors:         cursor.NewSQLStore(db, nil),
		Probe:           service.Probe,
	})
	defer client.Close()

	applied := make(chan struct{}, 1)
	cancel := client.Subscribe("vibe_checks", func(events []realtime.Event) {
		for _, event := range events {
			if err := service.ApplyChange(context.Background(), event); err != nil {
				t.Errorf("apply change failed: %v", err)
				continue
			}
			applied <- struct{}{}
		}
	})
	defer cancel()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pushed change")
	}

	feed, err := service.Feed(context.Background(), integrationVenueID, 10)
	if err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if len(feed) != 1 || feed[0].CheckID != "vc-pushed" {
		t.Fatalf("expected pushed check in feed, got %#v", feed)
	}

	// The broadcast timestamp became the persisted watermark.
	store := cursor.NewSQLStore(db, nil)
	waitDeadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := store.Load(context.Background(), "vibe_checks"); ok {
			break
		}
		if time.Now().After(waitDeadline) {
			t.Fatal("expected persisted watermark")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPolledChangeAndAuthenticatedWrite(t *testing.T) {
	db := openIntegrationDatabase(t)
	service := buildVibeService(t, db)

	pollServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/updates" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"kind":"insert","record_id":"vc-polled","payload":{"check_id":"vc-polled","venue_id":"venue-1","actor_id":"actor-3","busyness":2},"timestamp":"2026-05-12T10:00:01Z"}]`))
	}))
	defer pollServer.Close()

	client := realtime.NewClient(realtime.ClientConfig{
		WebsocketURL:    "ws://127.0.0.1:1",
		PollBaseURL:     pollServer.URL,
		ActorID:         integrationActorID,
		DisableBatching: true,
		PollInterval:    20 * time.Millisecond,
		CheckInterval:   time.Minute,
		Probe:           service.Probe,
	})
	defer client.Close()

	applied := make(chan struct{}, 4)
	cancel := client.Subscribe("vibe_checks", func(events []realtime.Event) {
		for _, event := range events {
			if err := service.ApplyChange(context.Background(), event); err != nil {
				t.Errorf("apply change failed: %v", err)
				continue
			}
			applied <- struct{}{}
		}
	})
	defer cancel()

	// The dial fails; the poll path carries delivery.
	_ = client.Connect(context.Background())

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for polled change")
	}

	// A local write through the full pre-check chain lands next to it.
	lat, lng := 40.7580, -73.9855
	check, err := service.CreateVibeCheck(context.Background(), vibes.CreateRequest{
		SessionToken: mintIntegrationToken(t),
		VenueID:      integrationVenueID,
		Comment:      "starting to fill up",
		Busyness:     3,
		Latitude:     &lat,
		Longitude:    &lng,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	feed, err := service.Feed(context.Background(), integrationVenueID, 10)
	if err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	ids := map[string]bool{}
	for _, item := range feed {
		ids[item.CheckID] = true
	}
	if !ids["vc-polled"] || !ids[check.CheckID] {
		t.Fatalf("expected polled and local checks in feed, got %#v", ids)
	}
}

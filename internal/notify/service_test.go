package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/opskit/inquest/internal/notify"
	"github.com/opskit/inquest/pkg/models"
)

func report() *models.FinalReport {
	return &models.FinalReport{
		InvestigationID: "inv-1",
		RootCause:       models.RootCause{Description: "runaway analytics query", Probability: 0.85},
		Confidence:      0.85,
		Summary:         "connection pool exhausted by an unindexed analytics query",
	}
}

func TestWebhookDriver_SignsPayload(t *testing.T) {
	secret := "s3cret"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Inquest-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := notify.NewWebhookDriver(srv.URL, secret)
	if err := d.Send(context.Background(), report()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var got models.FinalReport
	if err := json.Unmarshal(gotBody, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.InvestigationID != "inv-1" {
		t.Errorf("payload investigation = %q", got.InvestigationID)
	}
}

func TestWebhookDriver_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := notify.NewWebhookDriver(srv.URL, "")
	if err := d.Send(context.Background(), report()); err != nil {
		t.Fatalf("Send after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWebhookDriver_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := notify.NewWebhookDriver(srv.URL, "")
	if err := d.Send(context.Background(), report()); err == nil {
		t.Fatal("Send succeeded against a failing endpoint")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestService_FansOutToDrivers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := notify.NewService()
	s.RegisterDriver(notify.NewWebhookDriver(srv.URL, ""))

	if err := s.PublishReport(context.Background(), report()); err != nil {
		t.Fatalf("PublishReport: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

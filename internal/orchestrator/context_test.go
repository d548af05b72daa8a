package orchestrator

import (
	"testing"
	"time"

	"github.com/callhive/dialer/internal/domain"
)

func TestCallContext(t *testing.T) {
	job := &domain.Job{
		Name:       "Ana Souza",
		ExternalID: "crm-42",
		Payload: map[string]any{
			"amount_due": "150.00",
			"due_date":   "2024-04-01",
		},
	}
	now := time.Date(2024, 3, 18, 14, 30, 0, 0, time.UTC)

	got := CallContext(job, now, "")
	if got["contact_name"] != "Ana Souza" {
		t.Fatalf("contact_name = %v", got["contact_name"])
	}
	if got["external_id"] != "crm-42" {
		t.Fatalf("external_id = %v", got["external_id"])
	}
	if got["current_datetime"] != "2024-03-18 14:30" {
		t.Fatalf("current_datetime = %v", got["current_datetime"])
	}
	if got["amount_due"] != "150.00" || got["due_date"] != "2024-04-01" {
		t.Fatalf("payload not forwarded: %v", got)
	}
}

func TestCallContextPayloadWins(t *testing.T) {
	job := &domain.Job{
		Name:    "Ana Souza",
		Payload: map[string]any{"contact_name": "Dona Ana"},
	}

	got := CallContext(job, time.Now(), "")
	if got["contact_name"] != "Dona Ana" {
		t.Fatalf("ingestion-owned key must win, got %v", got["contact_name"])
	}
}

func TestCallContextOmitsEmptyExternalID(t *testing.T) {
	got := CallContext(&domain.Job{Name: "Ana"}, time.Now(), "")
	if _, ok := got["external_id"]; ok {
		t.Fatal("expected external_id omitted when empty")
	}
}

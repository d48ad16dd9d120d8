package storage

import (
	"testing"
	"time"

	"chatpay/storage/models"
)

func TestOpenTestMigratesSchema(t *testing.T) {
	if _, err := OpenTest(); err != nil {
		t.Fatalf("OpenTest: %v", err)
	}
}

func TestCommitmentParticipantsRelation(t *testing.T) {
	db, err := OpenTest()
	if err != nil {
		t.Fatalf("OpenTest: %v", err)
	}

	commitment := &models.PaymentCommitment{
		OrganizerPhone:     "+1000",
		Title:              "Goa Trip",
		AmountPerPerson:    500,
		TotalParticipants:  3,
		Deadline:           time.Now().Add(7 * 24 * time.Hour),
		EscrowAddress:      "ESCROW1",
		EncryptedEscrowKey: []byte("sealed"),
		Status:             models.CommitmentActive,
		Participants: []models.CommitmentParticipant{
			{Phone: "+2000", Amount: 500, Status: models.ParticipantInvited},
			{Phone: "+3000", Amount: 500, Status: models.ParticipantInvited},
		},
	}
	if err := db.Create(commitment).Error; err != nil {
		t.Fatalf("create commitment with participants: %v", err)
	}

	var loaded models.PaymentCommitment
	if err := db.Preload("Participants").First(&loaded, commitment.ID).Error; err != nil {
		t.Fatalf("preload participants: %v", err)
	}
	if len(loaded.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(loaded.Participants))
	}
	for _, p := range loaded.Participants {
		if p.CommitmentID != commitment.ID {
			t.Fatalf("participant %s has commitment_id %d, want %d", p.Phone, p.CommitmentID, commitment.ID)
		}
	}
}

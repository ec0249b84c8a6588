package chat

import (
	"errors"
	"testing"
)

func TestValidateAttachment_Accepts(t *testing.T) {
	a := &Attachment{Name: "pod.pdf", ContentType: "application/pdf", Size: 1 << 20}
	if err := ValidateAttachment(a, 0); err != nil {
		t.Fatalf("ValidateAttachment() error: %v", err)
	}
}

func TestValidateAttachment_TooLarge(t *testing.T) {
	a := &Attachment{Name: "dashcam.mp4", ContentType: "video/mp4", Size: MaxAttachmentSize + 1}
	err := ValidateAttachment(a, 0)
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
}

func TestValidateAttachment_DisallowedType(t *testing.T) {
	a := &Attachment{Name: "tour.exe", ContentType: "application/x-msdownload", Size: 1024}
	err := ValidateAttachment(a, 0)
	if !errors.Is(err, ErrAttachmentType) {
		t.Fatalf("expected ErrAttachmentType, got %v", err)
	}
}

func TestValidateAttachment_CustomBound(t *testing.T) {
	a := &Attachment{Name: "photo.jpg", ContentType: "image/jpeg", Size: 2048}
	if err := ValidateAttachment(a, 1024); !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge with custom bound, got %v", err)
	}
	if err := ValidateAttachment(a, 4096); err != nil {
		t.Fatalf("ValidateAttachment() error: %v", err)
	}
}

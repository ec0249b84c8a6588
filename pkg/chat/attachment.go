package chat

import (
	"errors"
	"fmt"
)

// MaxAttachmentSize is the default upper bound for attachment payloads.
const MaxAttachmentSize = 10 << 20 // 10 MiB

// allowedContentTypes is the attachment allow-list: common image, video,
// audio and document types. Anything else is rejected locally, before the
// send gateway is ever called.
var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,

	"video/mp4":       true,
	"video/quicktime": true,

	"audio/mpeg": true,
	"audio/ogg":  true,
	"audio/wav":  true,

	"application/pdf":    true,
	"text/plain":         true,
	"text/csv":           true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

var (
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum size")
	ErrAttachmentType     = errors.New("attachment content type not allowed")
)

// ValidateAttachment applies the client-side attachment constraints.
// maxSize <= 0 means the default bound.
func ValidateAttachment(a *Attachment, maxSize int64) error {
	if a == nil {
		return errors.New("missing attachment")
	}
	if maxSize <= 0 {
		maxSize = MaxAttachmentSize
	}
	if a.Size > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrAttachmentTooLarge, a.Size, maxSize)
	}
	if !allowedContentTypes[a.ContentType] {
		return fmt.Errorf("%w: %s", ErrAttachmentType, a.ContentType)
	}
	return nil
}

// AllowedContentType reports whether ct is on the attachment allow-list.
func AllowedContentType(ct string) bool {
	return allowedContentTypes[ct]
}

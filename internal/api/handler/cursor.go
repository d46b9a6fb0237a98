package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apidomain "github.com/cuongbtq/msgroute/internal/api/domain"
	"github.com/cuongbtq/msgroute/internal/api/storage"
)

// DecodeJobCursor parses the opaque page cursor. An empty cursor is the first page.
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apidomain.ErrInvalidCursor, err)
	}

	nanos, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("%w: missing job id", apidomain.ErrInvalidCursor)
	}

	var createdAt int64
	if _, err := fmt.Sscanf(nanos, "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", apidomain.ErrInvalidCursor, err)
	}

	return &storage.JobCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		JobID:     jobID,
	}, nil
}

// EncodeJobCursor renders the cursor of the page following cursor's job
func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}

package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PendingAction is an action waiting to reach the remote service.
type PendingAction struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

func (a PendingAction) clone() PendingAction {
	if a.Data != nil {
		a.Data = append(json.RawMessage(nil), a.Data...)
	}
	return a
}

// ConnectivityState is the summary exposed to UI collaborators.
type ConnectivityState struct {
	IsOffline         bool      `json:"isOffline"`
	LastSyncTime      time.Time `json:"lastSyncTime"`
	PendingActions    int       `json:"pendingActions"`
	HasUnsavedChanges bool      `json:"hasUnsavedChanges"`
}

// newActionID builds "<type>_<unix millis>_<random>".
func newActionID(actionType string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", actionType, now.UnixMilli(), suffix)
}

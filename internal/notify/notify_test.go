package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/notify/memory"
	"github.com/pageparity/pageparity/internal/record"
)

func TestRunCompletedPublishesTallies(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	notifier := NewRunNotifier(pub, "pageparity-runs", zap.NewNop())

	completedAt := time.Now()
	run := record.Run{
		ID:             uuid.New(),
		Type:           record.RunTypeBulk,
		RunName:        "march batch",
		Status:         record.RunCompleted,
		TotalScans:     10,
		CompletedScans: 8,
		FailedScans:    2,
		CompletedAt:    &completedAt,
	}
	require.NoError(t, notifier.RunCompleted(context.Background(), run))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "pageparity-runs", msgs[0].Topic)

	var payload RunCompletedMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	require.Equal(t, run.ID.String(), payload.RunID)
	require.Equal(t, "march batch", payload.RunName)
	require.Equal(t, 8, payload.CompletedScans)
	require.Equal(t, 2, payload.FailedScans)
}

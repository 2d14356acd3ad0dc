package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/textsentry/scanhook/internal/notify"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	evt := notify.Event{Kind: notify.KindScanCompleted, ScanID: "scan-1", At: time.Unix(100, 0).UTC()}

	id, err := p.Publish(context.Background(), "scan-events", evt)
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "scan-events", msgs[0].Topic)
	require.Equal(t, evt, msgs[0].Payload)
}
